package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajallooe/agentic-notebook-marker/internal/backend"
	"github.com/ajallooe/agentic-notebook-marker/internal/config"
	"github.com/ajallooe/agentic-notebook-marker/internal/engine"
	"github.com/ajallooe/agentic-notebook-marker/internal/events"
	"github.com/ajallooe/agentic-notebook-marker/internal/history"
	"github.com/ajallooe/agentic-notebook-marker/internal/stage"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	abortedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// newRunCommand drives the whole pipeline for one assignment directory.
func newRunCommand(pm *backend.ProcessManager, newLogger func() (*zap.Logger, error)) *cobra.Command {
	var (
		jobs           int
		backendName    string
		forceComplete  bool
		retryTransient bool
		fromStage      string
	)

	cmd := &cobra.Command{
		Use:   "run [assignment-dir]",
		Short: "Run every pipeline stage for an assignment, resuming completed work",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := config.LoadAssignment(dir)
			if err != nil {
				return err
			}
			subs, err := config.LoadSubmissions(dir)
			if err != nil {
				return err
			}
			stages, err := stage.BuildStages(dir, cfg, subs)
			if err != nil {
				return err
			}
			if fromStage != "" {
				stages, err = sliceFromStage(stages, fromStage)
				if err != nil {
					return err
				}
			}

			if err := os.MkdirAll(filepath.Join(dir, "processed"), 0755); err != nil {
				return err
			}
			store, err := history.Open(cmd.Context(), filepath.Join(dir, "processed", "history.db"))
			if err != nil {
				log.Warn("history store unavailable, continuing without audit trail", zap.Error(err))
				store = nil
			} else {
				defer store.Close()
			}

			bus := events.NewEventBus()
			defer bus.Close()
			done := make(chan struct{})
			go printStageEvents(bus.SubscribeAll(0), done)

			if jobs <= 0 {
				jobs = cfg.MaxParallel
			}
			orch := &stage.Orchestrator{
				Log:             log,
				Engine:          engine.New(log, pm),
				Bus:             bus,
				History:         store,
				AssignmentDir:   dir,
				Jobs:            jobs,
				BackendOverride: backendName,
				ForceComplete:   forceComplete,
				RetryTransient:  retryTransient,
				TotalMarks:      cfg.TotalMarks,
				Output:          os.Stdout,
			}

			outcomes, err := orch.Run(cmd.Context(), stages)
			bus.Close()
			<-done

			fmt.Fprintln(os.Stderr, renderSummary(outcomes))
			if err != nil {
				if errors.Is(err, stage.ErrStageAborted) {
					return &exitCodeError{code: 2, msg: err.Error()}
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "max concurrent units (default from config max_parallel)")
	cmd.Flags().StringVar(&backendName, "backend", backend.OverrideAuto,
		"dispatch backend: auto, parallel, xargs or sequential")
	cmd.Flags().BoolVar(&forceComplete, "force-complete", false,
		"complete stages with flagged placeholder outputs instead of aborting on failures")
	cmd.Flags().BoolVar(&retryTransient, "retry-transient", false,
		"retry units whose failure classified as quota, network or timeout")
	cmd.Flags().StringVar(&fromStage, "from-stage", "",
		"start from this stage, assuming earlier stage outputs are present")
	return cmd
}

// sliceFromStage drops every stage ordered before the named one. Kept stages
// lose their dependencies on dropped stages; those outputs are assumed to be
// on disk already.
func sliceFromStage(stages []stage.Stage, from string) ([]stage.Stage, error) {
	ordered, err := stage.Order(stages)
	if err != nil {
		return nil, err
	}
	start := -1
	for i, st := range ordered {
		if st.ID == from {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("unknown stage %q", from)
	}

	kept := ordered[start:]
	keptIDs := make(map[string]bool, len(kept))
	for _, st := range kept {
		keptIDs[st.ID] = true
	}
	out := make([]stage.Stage, len(kept))
	for i, st := range kept {
		var deps []string
		for _, d := range st.DependsOn {
			if keptIDs[d] {
				deps = append(deps, d)
			}
		}
		st.DependsOn = deps
		out[i] = st
	}
	return out, nil
}

// printStageEvents narrates stage transitions on stderr while the engine's
// raw progress protocol owns stdout.
func printStageEvents(ch <-chan events.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range ch {
		switch e := ev.(type) {
		case events.StageStartedEvent:
			fmt.Fprintf(os.Stderr, "%s %s (%d to run, %d already done)\n",
				titleStyle.Render("==>"), e.Name, e.ToRun, e.AlreadyDone)
		case events.StageSkippedEvent:
			fmt.Fprintf(os.Stderr, "%s %s\n",
				dimStyle.Render("==>"), dimStyle.Render(fmt.Sprintf("%s already complete (%d outputs), skipping", e.ID, e.Completed)))
		case events.StageDegradedEvent:
			fmt.Fprintf(os.Stderr, "%s stage %s degraded: %d placeholder(s) require manual review\n",
				degradedStyle.Render("==>"), e.ID, len(e.Placeholders))
		case events.StageAbortedEvent:
			fmt.Fprintf(os.Stderr, "%s stage %s aborted with %d unit(s) missing output\n",
				abortedStyle.Render("==>"), e.ID, e.Missing)
		}
	}
}

// renderSummary formats the per-stage outcome table shown after a run.
func renderSummary(outcomes []stage.StageOutcome) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Pipeline summary"))
	sb.WriteByte('\n')
	for _, out := range outcomes {
		status := out.Status.String()
		switch {
		case out.Status == stage.StatusAborted:
			status = abortedStyle.Render(status)
		case len(out.Placeholders) > 0:
			status = degradedStyle.Render("complete (degraded)")
		case out.Status == stage.StatusComplete:
			status = completeStyle.Render(status)
		}
		sb.WriteString(fmt.Sprintf("  %-20s %s", out.Stage.ID, status))
		sb.WriteString(dimStyle.Render(fmt.Sprintf("  %d/%d done", out.Counts.ExpectedTotal-out.Missing, out.Counts.ExpectedTotal)))
		if n := len(out.Placeholders); n > 0 {
			sb.WriteString(degradedStyle.Render(fmt.Sprintf("  %d flagged for manual review", n)))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
