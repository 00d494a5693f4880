// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pdiddy/review-engine/internal/checkpoint"
	"github.com/pdiddy/review-engine/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's progress",
	Args:  cobra.ExactArgs(1),
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
		counts, err := cp.CountByState(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("run:     %s\n", meta.RunID)
		fmt.Printf("label:   %s\n", meta.Label)
		fmt.Printf("query:   %s\n", meta.Query)
		fmt.Printf("created: %s\n\n", meta.CreatedAt.Format("2006-01-02 15:04 MST"))

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tCOMPLETE")
		for _, s := range types.Stages {
			done, err := cp.StageComplete(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%v\n", s, done)
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "STATE\tRECORDS")
		total := 0
		for _, state := range []types.LifecycleState{
			types.StateDiscovered,
			types.StateScreenedInclude, types.StateScreenedExclude,
			types.StateLinkResolved, types.StateLinkUnavailable,
			types.StateDownloaded, types.StateDownloadFailed,
			types.StateAnalyzed, types.StateAnalysisFailed,
		} {
			if n := counts[state]; n > 0 {
				fmt.Fprintf(w, "%s\t%d\n", state, n)
				total += n
			}
		}
		fmt.Fprintf(w, "total\t%d\n", total)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
