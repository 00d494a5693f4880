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

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run",
	Long: `Resume reopens an existing run workspace and continues from the persisted
state: completed stages are skipped and records already transitioned keep
their results. The full run identifier is required (e.g.
Run_MyReview_20260823_1401); resume never guesses among runs sharing a
label.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := checkpoint.Resume(baseDir(), args[0])
		if err != nil {
			return err
		}
		defer cp.Close()

		meta, err := cp.Meta()
		if err != nil {
			return err
		}

		// The original label and query travel with the workspace; the
		// config file only supplies credentials and stage settings.
		cfg := buildConfig()
		cfg.Label = meta.Label
		cfg.Search.Query = meta.Query
		if err := cfg.Validate(); err != nil {
			return err
		}

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
	rootCmd.AddCommand(resumeCmd)
}
