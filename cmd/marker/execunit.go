package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ajallooe/agentic-notebook-marker/internal/engine"
)

// newExecUnitCommand is the hidden per-unit worker entry point. Dispatch
// backends invoke `marker exec-unit` once per work unit, passing only the
// unit's ordinal; the worker re-reads the authoritative command from the
// manifest by line number, which keeps dispatcher command lines tiny no
// matter how large the unit commands are.
func newExecUnitCommand() *cobra.Command {
	var (
		manifestPath string
		logDir       string
		total        int
		index        int
	)

	cmd := &cobra.Command{
		Use:    "exec-unit",
		Short:  "Run a single work unit by manifest ordinal (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return engine.RunUnit(cmd.Context(), manifestPath, logDir, index, total, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest file (one command per line)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "unit log directory")
	cmd.Flags().IntVar(&total, "total", 0, "total units in the batch")
	cmd.Flags().IntVar(&index, "index", 0, "1-based unit ordinal")
	for _, f := range []string{"manifest", "log-dir", "total", "index"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
