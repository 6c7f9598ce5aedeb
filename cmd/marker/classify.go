package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ajallooe/agentic-notebook-marker/internal/classify"
)

// newClassifyCommand re-scans an existing batch log directory and prints the
// failure report, without re-running anything.
func newClassifyCommand() *cobra.Command {
	var (
		logDir   string
		jsonPath string
	)

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify unit failures from a batch log directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := classify.Scan(cmd.Context(), logDir)
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stdout, report.Render())
			if jsonPath != "" {
				if err := report.WriteJSON(jsonPath); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logDir, "log-dir", "", "batch log directory to scan")
	cmd.Flags().StringVar(&jsonPath, "json", "", "also write the report as JSON to this path")
	_ = cmd.MarkFlagRequired("log-dir")
	return cmd
}
