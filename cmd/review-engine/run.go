// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/pdiddy/review-engine/internal/checkpoint"
	"github.com/pdiddy/review-engine/internal/logging"
	"github.com/pdiddy/review-engine/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new review run",
	Long: `Run creates a fresh timestamped workspace and executes the full pipeline:
search, screen, resolve, download, extract. Interrupting the run is safe at
any point; resume it later with "review-engine resume <run-id>".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()
		if label, _ := cmd.Flags().GetString("label"); label != "" {
			cfg.Label = label
		}
		if query, _ := cmd.Flags().GetString("query"); query != "" {
			cfg.Search.Query = query
		}
		if criteria, _ := cmd.Flags().GetString("criteria"); criteria != "" {
			cfg.Screen.Criteria = criteria
		}
		if instructions, _ := cmd.Flags().GetString("instructions"); instructions != "" {
			cfg.Extract.Instructions = instructions
		}
		if n, _ := cmd.Flags().GetInt("max-results"); n > 0 {
			cfg.Search.MaxResults = n
		}
		if c, _ := cmd.Flags().GetInt("concurrency"); c > 0 {
			cfg.Extract.Concurrency = c
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		cp, err := checkpoint.Begin(cfg.Workspace.BaseDir, cfg.Label, cfg.Search.Query)
		if err != nil {
			return err
		}
		defer cp.Close()

		logger, logCloser, err := logging.NewRunLogger(cfg.Logging, os.Stderr, cp.ReportDir())
		if err != nil {
			return err
		}
		defer logCloser.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		orch := pipeline.New(cfg, buildCapabilities(cfg), cp, logger, os.Stdout)
		return orch.Run(ctx)
	},
}

func init() {
	runCmd.Flags().String("label", "", "human-readable run name (required)")
	runCmd.Flags().String("query", "", "search string sent to OpenAlex (required)")
	runCmd.Flags().String("criteria", "", "inclusion criteria for abstract screening")
	runCmd.Flags().String("instructions", "", "extraction instructions for full-text analysis")
	runCmd.Flags().Int("max-results", 0, "maximum candidate records to ingest")
	runCmd.Flags().Int("concurrency", 0, "parallel extraction calls (default 10)")

	rootCmd.AddCommand(runCmd)
}
