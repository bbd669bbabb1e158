package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// reportStore is the read side of the store the reports use.
type reportStore interface {
	GetRun(ctx context.Context, id string) (crawler.Run, error)
	LatestRun(ctx context.Context) (crawler.Run, error)
	ListRuns(ctx context.Context, limit int) ([]crawler.Run, error)
	ListAttempts(ctx context.Context, runID string, status crawler.DownloadStatus) ([]crawler.CaseAttempt, error)
	GetVersion(ctx context.Context, id int64) (crawler.CatalogVersion, error)
	ListCases(ctx context.Context, query crawler.CaseQuery) ([]crawler.Case, error)
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Read-only reports over the run ledger and case catalog",
	}

	var limit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return reportRuns(cmd.Context(), cmd.OutOrStdout(), instance.Store(), limit)
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "number of runs to list (max 200)")

	run := &cobra.Command{
		Use:   "run [run_id|latest]",
		Short: "Show one run with its coverage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id := "latest"
			if len(args) == 1 {
				id = args[0]
			}
			return reportRun(cmd.Context(), cmd.OutOrStdout(), instance.Store(), id)
		},
	}

	downloads := &cobra.Command{
		Use:   "downloads <run_id>",
		Short: "List the documents a run downloaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return reportDownloads(cmd.Context(), cmd.OutOrStdout(), instance.Store(), args[0])
		},
	}

	var kind string
	cases := &cobra.Command{
		Use:   "cases <version_id>",
		Short: "List the cases a catalog version added or removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			versionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version id %q", args[0])
			}
			return reportVersionCases(cmd.Context(), cmd.OutOrStdout(), instance.Store(), versionID, kind)
		},
	}
	cases.Flags().StringVar(&kind, "kind", "new", "new or removed")

	cmd.AddCommand(runs, run, downloads, cases)
	return cmd
}

func reportRuns(ctx context.Context, w io.Writer, st reportStore, limit int) error {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	runs, err := st.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tTRIGGER\tMODE\tVERSION\tSTATUS\tHEALTH\tCOVERAGE")
	for _, r := range runs {
		health, ratio := "-", "-"
		if r.Coverage != nil {
			health = string(r.Coverage.Health)
			ratio = fmt.Sprintf("%.1f%%", r.Coverage.Ratio*100)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Trigger, r.Mode, r.CatalogVersionID, r.Status, health, ratio)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func reportRun(ctx context.Context, w io.Writer, st reportStore, id string) error {
	var (
		run crawler.Run
		err error
	)
	if id == "latest" {
		run, err = st.LatestRun(ctx)
	} else {
		run, err = st.GetRun(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	return writeJSON(w, run)
}

func reportDownloads(ctx context.Context, w io.Writer, st reportStore, runID string) error {
	if _, err := st.GetRun(ctx, runID); err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	rows, err := st.ListAttempts(ctx, runID, crawler.StatusDownloaded)
	if err != nil {
		return fmt.Errorf("list downloads: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tTITLE\tSIZE\tFILE")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", row.Case.TokenRaw, row.Case.Title, row.Attempt.FileSize, row.Attempt.FileRef)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func reportVersionCases(ctx context.Context, w io.Writer, st reportStore, versionID int64, kind string) error {
	version, err := st.GetVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	query := crawler.CaseQuery{Source: version.Source}
	switch kind {
	case "new":
		query.FirstSeenVersionID = versionID
	case "removed":
		query.LastSeenVersionID = versionID
		query.Active = crawler.Bool(false)
	default:
		return fmt.Errorf("unknown kind %q: want new or removed", kind)
	}
	cases, err := st.ListCases(ctx, query)
	if err != nil {
		return fmt.Errorf("list cases: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tTITLE\tCATEGORY\tJUDGMENT DATE")
	for _, c := range cases {
		if kind == "new" && !crawler.IsNewCase(c, versionID) {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.TokenRaw, c.Title, c.Category, c.JudgmentDate)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
