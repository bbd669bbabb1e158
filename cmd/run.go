package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/runner"
)

type runFlags struct {
	mode   string
	source string
	limit  int
	tokens []string
	force  bool
}

func (f runFlags) request() (runner.Request, error) {
	if f.limit < 0 {
		return runner.Request{}, fmt.Errorf("--limit must be >= 0")
	}
	mode, err := crawler.ParseMode(f.mode)
	if err != nil {
		return runner.Request{}, err
	}
	source, err := crawler.NormalizeSource(f.source)
	if err != nil {
		return runner.Request{}, err
	}
	return runner.Request{
		Trigger: crawler.TriggerInteractive,
		Mode:    mode,
		Source:  source,
		Limit:   f.limit,
		Tokens:  f.tokens,
		Force:   f.force,
	}, nil
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one run and print its result",
		Long: `Resolves the catalog (ingesting the feed when it changed), plans the
worklist for --mode, downloads the documents and prints the run result as
JSON. Interrupting the command aborts the run; it is still finalized.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req, err := flags.request()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			res, err := instance.Runner().Trigger(ctx, req)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status != crawler.RunStatusCompleted {
				return fmt.Errorf("run %s finished %s: %s", res.RunID, res.Status, res.ErrorSummary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", string(crawler.ModeNew), "run mode: full, new or resume")
	cmd.Flags().StringVar(&flags.source, "source", crawler.DefaultSource, "case feed source")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum number of cases to process (0 for no limit)")
	cmd.Flags().StringSliceVar(&flags.tokens, "token", nil, "restrict the run to these case identifiers (repeatable)")
	cmd.Flags().BoolVar(&flags.force, "force", false, "re-download cases already downloaded by earlier runs")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch the case feed and update the catalog without downloading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src, err := crawler.NormalizeSource(source)
			if err != nil {
				return err
			}
			diff, err := instance.Catalog().Ingest(cmd.Context(), src)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), diff)
		},
	}
	cmd.Flags().StringVar(&source, "source", crawler.DefaultSource, "case feed source")
	return cmd
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Finalize runs left in progress by a crashed process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := instance.Runner().RecoverInterrupted(cmd.Context())
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "recovered %d interrupted run(s)\n", n)
			return err
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
