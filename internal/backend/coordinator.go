package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Coordinator dispatches units through GNU parallel, delegating concurrency
// bounding and scheduling to it. The manifest is fed line by line on the
// coordinator's standard input — one line per job — and the worker receives
// only the job's ordinal ({#}), re-reading the authoritative command from
// the manifest itself. parallel's own status chatter is stripped from the
// combined output stream so it does not pollute unit logs.
type Coordinator struct {
	pm *ProcessManager
}

// Name returns the backend identifier.
func (c *Coordinator) Name() string { return "parallel" }

// Run feeds the manifest to GNU parallel and blocks until all jobs return.
func (c *Coordinator) Run(ctx context.Context, b Batch) error {
	if len(b.WorkerArgv) == 0 {
		return fmt.Errorf("coordinator backend requires a worker argv")
	}

	manifest, err := manifestReader(b.ManifestPath)
	if err != nil {
		return err
	}
	defer manifest.Close()

	// --halt never: no unit's failure cancels sibling units.
	args := []string{"--jobs", strconv.Itoa(b.Jobs), "--halt", "never"}
	args = append(args, b.WorkerArgv...)
	args = append(args, "{#}")

	cmd := newCommand(ctx, "parallel", args...)
	cmd.Stdin = manifest

	// parallel exits non-zero when any job failed; unit failures must not
	// look like dispatch failure, but a coordinator that never started is
	// an infrastructure fault and surfaces.
	return tolerateUnitFailures(ctx, runFiltered(ctx, cmd, c.pm, b.Output, notCoordinatorChatter))
}

// notCoordinatorChatter drops GNU parallel's own status and citation lines.
func notCoordinatorChatter(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "parallel:") {
		return false
	}
	if strings.HasPrefix(trimmed, "Academic tradition requires") {
		return false
	}
	return true
}
