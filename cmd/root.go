// Package cmd defines the casecrawler CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/case-crawler/internal/app"
	"github.com/JakeFAU/case-crawler/internal/config"
)

type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory. Tests replace it.
var newApp = app.Build

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "casecrawler",
		Short: "Control plane for crawling the court case feed.",
		Long: `casecrawler ingests the published case feed into a versioned catalog,
plans per-run worklists, downloads judgment documents with bounded
concurrency and records every run in a ledger with a coverage verdict.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			instance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, instance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if instance, ok := cmd.Context().Value(appKey).(*app.App); ok && instance != nil {
				_ = instance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); env vars use the CASECRAWLER_ prefix")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newIngestCmd(),
		newReportCmd(),
		newRecoverCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	instance, ok := ctx.Value(appKey).(*app.App)
	if !ok || instance == nil {
		return nil, errors.New("application not initialized")
	}
	return instance, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "casecrawler:", err)
		os.Exit(1)
	}
}
