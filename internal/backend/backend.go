// Package backend provides the three execution strategies for dispatching a
// batch of work units with bounded concurrency: an external job coordinator
// (GNU parallel), a portable indirect-dispatch utility (xargs), and a
// sequential in-process loop. Selection is a pure function of environment
// capability; the sequential path always exists.
package backend

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Batch describes one dispatch request. The dispatcher hands workers only
// ordinal indices into the manifest file; each worker re-reads its own
// command by index, so command text never flows through the dispatcher's
// argument vector or the coordinator's command line.
type Batch struct {
	ManifestPath string
	LogDir       string
	Jobs         int // concurrency bound C; never exceeded by any backend
	Total        int // number of units in the manifest

	// WorkerArgv is the argv prefix for one worker invocation; the unit's
	// ordinal index is appended as the final argument. Used by the
	// coordinator and indirect backends, which spawn workers as subprocesses.
	WorkerArgv []string

	// RunUnit executes one unit in-process. Used by the sequential backend.
	RunUnit func(ctx context.Context, index int) error

	// Output receives the dispatcher's own combined stdout/stderr after
	// coordinator status chatter has been stripped. May be nil.
	Output io.Writer
}

// Backend is one execution strategy. Run dispatches every unit of the batch
// and returns only on infrastructure failure; per-unit failures are recorded
// in unit logs and never abort sibling units.
type Backend interface {
	Name() string
	Run(ctx context.Context, b Batch) error
}

// Override values accepted by Select.
const (
	OverrideAuto       = "auto"
	OverrideParallel   = "parallel"
	OverrideXargs      = "xargs"
	OverrideSequential = "sequential"
)

// Select probes the environment and returns the most capable available
// backend, in descending order: coordinator (GNU parallel), indirect
// dispatch (xargs), sequential loop. A non-auto override forces a specific
// strategy, which is how the degraded paths are tested deterministically.
func Select(override string, pm *ProcessManager) (Backend, error) {
	switch override {
	case "", OverrideAuto:
		if _, err := exec.LookPath("parallel"); err == nil {
			return &Coordinator{pm: pm}, nil
		}
		if _, err := exec.LookPath("xargs"); err == nil {
			return &Indirect{pm: pm}, nil
		}
		return &Sequential{}, nil
	case OverrideParallel:
		if _, err := exec.LookPath("parallel"); err != nil {
			return nil, fmt.Errorf("backend %q forced but not found in PATH: %w", OverrideParallel, err)
		}
		return &Coordinator{pm: pm}, nil
	case OverrideXargs:
		if _, err := exec.LookPath("xargs"); err != nil {
			return nil, fmt.Errorf("backend %q forced but not found in PATH: %w", OverrideXargs, err)
		}
		return &Indirect{pm: pm}, nil
	case OverrideSequential:
		return &Sequential{}, nil
	default:
		return nil, fmt.Errorf("unknown backend override %q", override)
	}
}
