// Package progress provides a completion counter shared by concurrently
// running worker processes. The counter lives in the batch's log directory
// and is protected by a directory-creation lock, which is atomic on every
// platform the pipeline runs on and works across independent OS processes,
// not just goroutines.
package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	counterFile = ".progress"
	lockDir     = ".progress.lock"

	// Lock acquisition is bounded: a worker that cannot take the lock skips
	// its progress update rather than deadlocking the batch. A dropped
	// update only makes one report line disappear; a stuck lock would hang
	// every remaining worker.
	lockAttempts = 50
	lockBackoff  = 20 * time.Millisecond
)

// Counter is a cross-process completion counter for one batch.
// It is scoped to the batch's log directory and destroyed with it.
type Counter struct {
	dir   string
	total int
	out   io.Writer
}

// New creates a counter rooted in the given log directory. total is the
// batch size used for percentage reporting; out receives report lines
// (typically the batch's shared stdout).
func New(logDir string, total int, out io.Writer) *Counter {
	return &Counter{dir: logDir, total: total, out: out}
}

// Reset initializes the counter file to zero and clears any stale lock left
// behind by a killed run. Called once by the dispatcher before workers start.
func (c *Counter) Reset() error {
	_ = os.Remove(filepath.Join(c.dir, lockDir))
	if err := os.WriteFile(c.counterPath(), []byte("0\n"), 0644); err != nil {
		return fmt.Errorf("initializing progress counter: %w", err)
	}
	return nil
}

// Increment bumps the shared counter by one and emits a report line.
// Safe to call concurrently from multiple worker processes. If the lock
// cannot be acquired within the bounded retry budget, the update is skipped;
// progress reporting is a liveness aid, not a correctness requirement.
func (c *Counter) Increment() {
	if !c.acquire() {
		return
	}
	defer c.release()

	n := c.read() + 1
	if err := os.WriteFile(c.counterPath(), []byte(strconv.Itoa(n)+"\n"), 0644); err != nil {
		return
	}
	c.report(n)
}

// Value returns the current count, 0 if the counter file is unreadable.
func (c *Counter) Value() int {
	return c.read()
}

func (c *Counter) counterPath() string {
	return filepath.Join(c.dir, counterFile)
}

// acquire takes the directory lock with bounded retries.
func (c *Counter) acquire() bool {
	path := filepath.Join(c.dir, lockDir)
	for i := 0; i < lockAttempts; i++ {
		if err := os.Mkdir(path, 0755); err == nil {
			return true
		}
		time.Sleep(lockBackoff)
	}
	return false
}

func (c *Counter) release() {
	_ = os.Remove(filepath.Join(c.dir, lockDir))
}

func (c *Counter) read() int {
	data, err := os.ReadFile(c.counterPath())
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// report writes "percent%, completed/total" framed with blank lines so the
// report stays visually separable from interleaved unit output on the same
// stream.
func (c *Counter) report(n int) {
	if c.out == nil || c.total <= 0 {
		return
	}
	pct := n * 100 / c.total
	fmt.Fprintf(c.out, "\n%d%%, %d/%d\n\n", pct, n, c.total)
}
