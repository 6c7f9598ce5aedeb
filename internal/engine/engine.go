// Package engine runs a batch of independent external-process work units
// with bounded concurrency and guarantees exactly one execution result per
// unit. It is fire-and-collect, not fail-fast: no unit's failure cancels
// sibling units, because stages are designed to tolerate partial completion.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ajallooe/agentic-notebook-marker/internal/backend"
	"github.com/ajallooe/agentic-notebook-marker/internal/classify"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
	"github.com/ajallooe/agentic-notebook-marker/internal/progress"
)

// Options configures one batch run.
type Options struct {
	ManifestPath    string
	LogDir          string
	Jobs            int
	BackendOverride string // "", "auto", "parallel", "xargs", "sequential"
	RetryTransient  bool        // opt-in retry pass for quota/network/timeout failures
	Retry           RetryConfig // zero value means DefaultRetryConfig()
	Output          io.Writer
}

// Result is the outcome of one batch.
type Result struct {
	Backend   string
	Total     int
	Succeeded int
	Results   []ExecutionResult
	Report    *classify.Report

	// ExitCode is the engine's process exit code: 0 when every unit trailer
	// recorded exit 0; otherwise 100 plus the worst unit failure modulo 100,
	// keeping it distinct from any single unit's own code while still
	// derived from it.
	ExitCode int
}

// Engine dispatches batches through the selected backend.
type Engine struct {
	log *zap.Logger
	pm  *backend.ProcessManager
}

// New creates an engine. The ProcessManager is shared with the CLI's
// shutdown path so interrupted runs take their dispatcher trees down.
func New(log *zap.Logger, pm *backend.ProcessManager) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log, pm: pm}
}

// Run executes every unit of the manifest, at most opts.Jobs concurrently,
// and blocks until all dispatched units have returned. Infrastructure
// problems (missing manifest, unwritable log directory) fail fast before any
// unit is dispatched; unit failures are collected, classified, and reported
// through the Result.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	cmds, err := manifest.ReadCommands(opts.ManifestPath)
	if err != nil {
		return nil, err
	}
	total := len(cmds)
	if total == 0 {
		return &Result{Total: 0, ExitCode: 0, Report: &classify.Report{Counts: map[classify.Category]int{}}}, nil
	}

	if opts.Jobs <= 0 {
		opts.Jobs = 4
	}
	if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", opts.LogDir, err)
	}

	counter := progress.New(opts.LogDir, total, opts.Output)
	if err := counter.Reset(); err != nil {
		return nil, err
	}

	be, err := backend.Select(opts.BackendOverride, e.pm)
	if err != nil {
		return nil, err
	}

	workerArgv, err := workerArgv(opts.ManifestPath, opts.LogDir, total)
	if err != nil {
		return nil, err
	}

	e.log.Info("dispatching batch",
		zap.String("backend", be.Name()),
		zap.Int("units", total),
		zap.Int("jobs", opts.Jobs),
		zap.String("log_dir", opts.LogDir))

	batch := backend.Batch{
		ManifestPath: opts.ManifestPath,
		LogDir:       opts.LogDir,
		Jobs:         opts.Jobs,
		Total:        total,
		WorkerArgv:   workerArgv,
		Output:       opts.Output,
		RunUnit: func(ctx context.Context, index int) error {
			return RunUnit(ctx, opts.ManifestPath, opts.LogDir, index, total, opts.Output)
		},
	}

	if err := be.Run(ctx, batch); err != nil {
		return nil, fmt.Errorf("backend %s: %w", be.Name(), err)
	}

	// Every unit gets exactly one result, crash-only units included.
	for i := 1; i <= total; i++ {
		ensureTrailer(opts.LogDir, i)
	}

	report, err := classify.Scan(ctx, opts.LogDir)
	if err != nil {
		return nil, err
	}

	if opts.RetryTransient && len(report.TransientUnits()) > 0 {
		report, err = e.retryTransient(ctx, opts, report)
		if err != nil {
			return nil, err
		}
	}

	return e.collect(ctx, be.Name(), opts, total, report)
}

// collect gathers per-unit results and derives the engine exit code.
func (e *Engine) collect(ctx context.Context, backendName string, opts Options, total int, report *classify.Report) (*Result, error) {
	res := &Result{Backend: backendName, Total: total, Report: report}

	worst := 0
	for i := 1; i <= total; i++ {
		r := readResult(opts.LogDir, i)
		res.Results = append(res.Results, r)
		if r.ExitCode == 0 {
			res.Succeeded++
			continue
		}
		code := r.ExitCode
		if code < 0 || code > 255 {
			code = 255
		}
		if code > worst {
			worst = code
		}
	}

	if worst != 0 {
		res.ExitCode = 100 + worst%100
	}

	e.log.Info("batch finished",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", total-res.Succeeded),
		zap.Int("exit_code", res.ExitCode))
	return res, nil
}

// workerArgv builds the argv prefix for one exec-unit worker invocation.
// The dispatcher appends only the unit's ordinal index; the worker re-reads
// its command from the manifest, so the dispatcher's argument vector stays
// bounded no matter how large the manifest grows.
func workerArgv(manifestPath, logDir string, total int) ([]string, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable for worker dispatch: %w", err)
	}
	return []string{
		self, "exec-unit",
		"--manifest", manifestPath,
		"--log-dir", logDir,
		"--total", fmt.Sprintf("%d", total),
		"--index",
	}, nil
}
