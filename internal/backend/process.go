package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// errDispatcherStart marks failures that happened before the dispatcher ran
// any unit: a missing binary, an unusable pipe. These are infrastructure
// faults and must surface, unlike a dispatcher's non-zero exit after running
// units, which only echoes failures already recorded in unit logs.
var errDispatcherStart = errors.New("dispatcher failed to start")

// newCommand creates an exec.Cmd with process group isolation.
// The Setpgid: true flag ensures the subprocess is in its own process group,
// allowing for clean termination of the entire subprocess tree.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group for signal propagation
	}
	return cmd
}

// lineFilter decides whether a dispatcher output line is forwarded to the
// batch output stream. Coordinator backends use it to strip the tool's own
// status chatter so it does not pollute unit logs.
type lineFilter func(line string) bool

// runFiltered runs a dispatcher command, streaming its stdout and stderr
// line by line through the filter into out. Both pipes are drained
// concurrently and fully before cmd.Wait() is called, preventing deadlocks
// when dispatcher output exceeds pipe buffer capacity.
func runFiltered(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager, out io.Writer, keep lineFilter) error {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", errDispatcherStart, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", errDispatcherStart, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", errDispatcherStart, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	copyFiltered := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if keep != nil && !keep(line) {
				continue
			}
			if out != nil {
				mu.Lock()
				fmt.Fprintln(out, line)
				mu.Unlock()
			}
		}
	}

	wg.Add(2)
	go copyFiltered(stdoutPipe)
	go copyFiltered(stderrPipe)

	// Wait for both pipe readers to complete before cmd.Wait().
	wg.Wait()

	return cmd.Wait()
}

// tolerateUnitFailures maps a dispatcher's exit error onto the batch
// contract. Cancellation and start failures propagate; a non-zero dispatcher
// exit after running units — xargs's 123, parallel's failed-job count — is
// tolerated because per-unit outcomes are already recorded in unit logs.
func tolerateUnitFailures(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errDispatcherStart):
		return err
	default:
		return nil
	}
}

// killProcessGroup kills the entire process group associated with the command.
// This ensures all child processes are terminated, not just the immediate subprocess.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Send SIGKILL to the entire process group (negative PID)
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks all running dispatcher subprocesses and can terminate
// them on shutdown. Killing the dispatcher's process group takes its worker
// tree down with it, which is the supported interruption path: the batch is
// the unit of interruption, and a re-invoked run resumes from the filesystem.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess for tracking.
// Should be called after cmd.Start() when cmd.Process is available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
// Should be called after cmd.Wait() completes.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
// Called during shutdown to ensure clean termination.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}

	return nil
}

// Count returns the number of currently tracked processes.
// Useful for tests and monitoring.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
