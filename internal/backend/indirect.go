package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Indirect dispatches units through xargs. Workers are handed nothing but an
// ordinal index — never the command text — which is what lets a batch of
// thousands of long command lines scale past the operating system's
// single-process argument-vector limit. Each worker re-reads its own command
// from the manifest by index before executing it.
type Indirect struct {
	pm *ProcessManager
}

// Name returns the backend identifier.
func (i *Indirect) Name() string { return "xargs" }

// Run feeds ordinal indices to xargs -P and blocks until all workers return.
func (i *Indirect) Run(ctx context.Context, b Batch) error {
	if len(b.WorkerArgv) == 0 {
		return fmt.Errorf("indirect backend requires a worker argv")
	}

	args := []string{"-P", strconv.Itoa(b.Jobs), "-n", "1"}
	args = append(args, b.WorkerArgv...)

	cmd := newCommand(ctx, "xargs", args...)
	cmd.Stdin = strings.NewReader(indexStream(b.Total))

	// xargs exits 123 when any invocation failed; per-unit outcomes are
	// already recorded in unit logs. Only failing to launch xargs itself
	// surfaces as an error.
	return tolerateUnitFailures(ctx, runFiltered(ctx, cmd, i.pm, b.Output, nil))
}

// indexStream renders the 1-based ordinals of a batch, one per line.
func indexStream(total int) string {
	var sb strings.Builder
	for n := 1; n <= total; n++ {
		sb.WriteString(strconv.Itoa(n))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// manifestReader opens the manifest file for streaming to a coordinator.
func manifestReader(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	return f, nil
}
