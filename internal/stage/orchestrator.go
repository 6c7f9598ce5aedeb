package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajallooe/agentic-notebook-marker/internal/degrade"
	"github.com/ajallooe/agentic-notebook-marker/internal/engine"
	"github.com/ajallooe/agentic-notebook-marker/internal/events"
	"github.com/ajallooe/agentic-notebook-marker/internal/history"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

// ErrStageAborted is returned when a stage's completion invariant cannot be
// met and the degrade policy is not active. Prior stage outputs are left
// intact; re-invoking the pipeline after fixing the external problem resumes
// from exactly where it stopped.
var ErrStageAborted = errors.New("stage aborted")

// Orchestrator drives the pipeline stage by stage. It may be invoked on the
// same assignment any number of times: stage state is recomputed from the
// filesystem each run, so repetition never duplicates completed work.
type Orchestrator struct {
	Log             *zap.Logger
	Engine          *engine.Engine
	Bus             *events.EventBus
	History         *history.Store // optional audit trail; nil disables
	AssignmentDir   string
	Jobs            int
	BackendOverride string
	ForceComplete   bool // degrade-and-continue instead of abort on shortfall
	RetryTransient  bool
	TotalMarks      float64
	Output          io.Writer
}

// StageOutcome reports one stage's terminal state for the run summary.
type StageOutcome struct {
	Stage        Stage
	Status       Status
	Counts       manifest.Counts
	Missing      int      // units without output at the terminal state
	Placeholders []string // keys completed by degraded placeholders
}

// Run executes every stage in dependency order. Stage N+1 never starts
// before stage N reaches a terminal state; an aborted stage halts the whole
// pipeline.
func (o *Orchestrator) Run(ctx context.Context, stages []Stage) ([]StageOutcome, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	ordered, err := Order(stages)
	if err != nil {
		return nil, err
	}

	var outcomes []StageOutcome
	for _, st := range ordered {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		outcome, err := o.runStage(ctx, st)
		outcomes = append(outcomes, outcome)
		if err != nil {
			return outcomes, err
		}
		if outcome.Status == StatusAborted {
			return outcomes, fmt.Errorf("%w: stage %s left %d unit(s) without output",
				ErrStageAborted, st.ID, outcome.Missing)
		}
	}
	return outcomes, nil
}

// runStage takes one stage from PENDING through a terminal state.
func (o *Orchestrator) runStage(ctx context.Context, st Stage) (StageOutcome, error) {
	outcome := StageOutcome{Stage: st, Status: StatusPending}

	if st.Provider.Binary != "" && !st.Provider.Available() {
		return outcome, fmt.Errorf("stage %s: provider %q not found in PATH", st.ID, st.Provider.Name)
	}

	// PENDING -> RUNNING: probe the filesystem. If everything is already
	// there, short-circuit to COMPLETE without building a manifest.
	state, err := ProbeState(st)
	if err != nil {
		return outcome, err
	}
	outcome.Counts = manifest.Counts{
		ExpectedTotal: state.ExpectedTotal,
		AlreadyDone:   len(state.CompletedKeys),
		ToRun:         state.ExpectedTotal - len(state.CompletedKeys),
	}
	if state.Complete() {
		o.Log.Info("stage already complete, skipping",
			zap.String("stage", st.ID),
			zap.Int("completed", len(state.CompletedKeys)))
		o.publish(events.TopicStage, events.StageSkippedEvent{
			ID: st.ID, Completed: len(state.CompletedKeys), Timestamp: time.Now(),
		})
		outcome.Status = StatusComplete
		return outcome, nil
	}

	outcome.Status = StatusRunning

	b := &manifest.Builder{
		CommandTemplate: st.Command,
		OutputTemplate:  st.Output,
		Resume:          true,
	}
	m, counts, err := b.Build(st.Entries)
	if err != nil {
		return outcome, err
	}
	outcome.Counts = counts

	runID := uuid.NewString()
	logDir := filepath.Join(LogRoot(o.AssignmentDir, st.ID), runID)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return outcome, fmt.Errorf("creating stage log directory: %w", err)
	}
	manifestPath := filepath.Join(logDir, "tasks.txt")
	if err := m.WriteFile(manifestPath); err != nil {
		return outcome, err
	}

	o.Log.Info("stage starting",
		zap.String("stage", st.ID),
		zap.String("run_id", runID),
		zap.Int("to_run", counts.ToRun),
		zap.Int("already_done", counts.AlreadyDone),
		zap.Int("expected_total", counts.ExpectedTotal))
	o.publish(events.TopicStage, events.StageStartedEvent{
		ID: st.ID, Name: st.Name, ToRun: counts.ToRun, AlreadyDone: counts.AlreadyDone, Timestamp: time.Now(),
	})

	res, err := o.Engine.Run(ctx, engine.Options{
		ManifestPath:    manifestPath,
		LogDir:          logDir,
		Jobs:            o.Jobs,
		BackendOverride: o.BackendOverride,
		RetryTransient:  o.RetryTransient,
		Output:          o.Output,
	})
	if err != nil {
		return outcome, fmt.Errorf("stage %s: %w", st.ID, err)
	}

	o.publish(events.TopicBatch, events.BatchFinishedEvent{
		Stage: st.ID, Succeeded: res.Succeeded, Failed: res.Total - res.Succeeded, Timestamp: time.Now(),
	})
	o.record(ctx, st.ID, runID, m, res)

	// RUNNING -> terminal: the only completion evidence that counts is the
	// artifacts themselves, so probe again.
	state, err = ProbeState(st)
	if err != nil {
		return outcome, err
	}
	missing := state.missingOf(st)
	outcome.Missing = len(missing)
	if len(missing) == 0 {
		o.Log.Info("stage complete", zap.String("stage", st.ID))
		o.publish(events.TopicStage, events.StageCompletedEvent{ID: st.ID, Timestamp: time.Now()})
		outcome.Status = StatusComplete
		return outcome, nil
	}

	if !o.ForceComplete {
		o.Log.Error("stage aborted: missing outputs and degraded completion not enabled",
			zap.String("stage", st.ID),
			zap.Int("missing", len(missing)),
			zap.String("failure_report", res.Report.Render()))
		o.publish(events.TopicStage, events.StageAbortedEvent{
			ID: st.ID, Missing: len(missing), Timestamp: time.Now(),
		})
		outcome.Status = StatusAborted
		return outcome, nil
	}

	// RUNNING -> PARTIAL -> COMPLETE (degraded): synthesize flagged
	// placeholders so later stages keep their one-output-per-unit invariant.
	outcome.Status = StatusPartial
	placeholders, err := o.degradeMissing(st, m, missing, logDir)
	if err != nil {
		return outcome, err
	}
	outcome.Placeholders = placeholders
	outcome.Missing = 0
	outcome.Status = StatusComplete

	o.Log.Warn("stage completed with placeholders requiring manual review",
		zap.String("stage", st.ID),
		zap.Strings("placeholders", placeholders))
	o.publish(events.TopicStage, events.StageDegradedEvent{
		ID: st.ID, Placeholders: placeholders, Timestamp: time.Now(),
	})
	return outcome, nil
}

// degradeMissing writes a placeholder artifact for every entry still missing
// output, wiring each to its unit log when the unit ran in this batch.
func (o *Orchestrator) degradeMissing(st Stage, m *manifest.Manifest, missing []manifest.Entry, logDir string) ([]string, error) {
	unitByKey := make(map[string]int, m.Len())
	for _, u := range m.Units {
		unitByKey[u.Key] = u.ID
	}

	units := make([]degrade.MissingUnit, 0, len(missing))
	for _, e := range missing {
		out, err := st.OutputPath(e)
		if err != nil {
			return nil, err
		}
		mu := degrade.MissingUnit{Key: e.Key, OutputPath: out}
		if id, ok := unitByKey[e.Key]; ok {
			mu.LogPath = engine.UnitLogPath(logDir, id)
		}
		units = append(units, mu)
	}

	return degrade.Generate(units, degrade.Options{
		StageName:  st.Name,
		TotalMarks: o.TotalMarks,
	})
}

func (o *Orchestrator) publish(topic string, ev events.Event) {
	if o.Bus != nil {
		o.Bus.Publish(topic, ev)
	}
}

// record persists the batch outcome to the history store when one is wired.
func (o *Orchestrator) record(ctx context.Context, stageID, runID string, m *manifest.Manifest, res *engine.Result) {
	if o.History == nil {
		return
	}
	if err := o.History.RecordBatch(ctx, history.BatchRecord{
		RunID:     runID,
		Stage:     stageID,
		Backend:   res.Backend,
		Total:     res.Total,
		Succeeded: res.Succeeded,
		ExitCode:  res.ExitCode,
	}, m, res); err != nil {
		o.Log.Warn("failed to record batch history", zap.Error(err))
	}
}
