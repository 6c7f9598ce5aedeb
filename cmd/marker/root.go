package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajallooe/agentic-notebook-marker/internal/backend"
)

// exitCodeError carries a specific process exit code up to main. The batch
// engine's exit code encodes the worst unit failure, so it must survive the
// cobra error path intact.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func newRootCommand(pm *backend.ProcessManager) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "marker",
		Short: "Resumable parallel execution of AI-assisted marking pipelines",
		Long: `marker drives multi-stage AI-assistant marking pipelines over student
submissions. Completion is checkpointed on the filesystem: a unit of work is
done exactly when its expected output artifact exists, so re-running after an
interruption or a provider outage resumes from where the previous run stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	newLogger := func() (*zap.Logger, error) {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.OutputPaths = []string{"stderr"}
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		log, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		return log, nil
	}

	root.AddCommand(
		newRunCommand(pm, newLogger),
		newBatchCommand(pm, newLogger),
		newExecUnitCommand(),
		newClassifyCommand(),
		newForceCompleteCommand(newLogger),
		newHistoryCommand(),
	)
	return root
}
