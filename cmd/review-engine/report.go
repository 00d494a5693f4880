// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/review-engine/internal/checkpoint"
	"github.com/pdiddy/review-engine/internal/pipeline"
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Regenerate stage reports and the dataset",
	Long: `Report rebuilds the per-stage audit reports, the search year summary, and
dataset.csv from the run's record store. Useful after inspecting a halted
run or when the reports directory was cleaned.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := checkpoint.Resume(baseDir(), args[0])
		if err != nil {
			return err
		}
		defer cp.Close()

		if err := pipeline.WriteReports(cmd.Context(), cp); err != nil {
			return err
		}
		fmt.Printf("reports written to %s\n", cp.ReportDir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
