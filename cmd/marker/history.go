package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ajallooe/agentic-notebook-marker/internal/history"
)

// newHistoryCommand lists recorded batch runs for an assignment, or the
// per-unit results of one run. The history database is an advisory audit
// trail; this command only reads it and never influences what gets re-run.
func newHistoryCommand() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history [assignment-dir]",
		Short: "Show recorded batch runs and their unit results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			dbPath := filepath.Join(dir, "processed", "history.db")
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("no history recorded at %s: %w", dbPath, err)
			}

			store, err := history.Open(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID != "" {
				return printUnitResults(cmd, store, runID)
			}
			return printRecentBatches(cmd, store, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of batch runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show per-unit results for one run ID")
	return cmd
}

func printRecentBatches(cmd *cobra.Command, store *history.Store, limit int) error {
	batches, err := store.RecentBatches(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no batch runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTAGE\tBACKEND\tSUCCEEDED\tEXIT\tCREATED")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			b.RunID, b.Stage, b.Backend, b.Succeeded, b.Total, b.ExitCode,
			b.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func printUnitResults(cmd *cobra.Command, store *history.Store, runID string) error {
	units, err := store.UnitResults(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no unit results for run %s\n", runID)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tKEY\tEXIT\tDURATION\tCATEGORY\tLOG")
	for _, u := range units {
		category := u.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%dms\t%s\t%s\n",
			u.UnitID, u.Key, u.ExitCode, u.DurationMs, category, u.LogPath)
	}
	return w.Flush()
}
