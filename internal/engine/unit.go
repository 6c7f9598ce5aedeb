package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
	"github.com/ajallooe/agentic-notebook-marker/internal/progress"
)

// UnitLogPath returns the log file location for a unit ordinal.
func UnitLogPath(logDir string, index int) string {
	return filepath.Join(logDir, fmt.Sprintf("unit_%d.log", index))
}

var (
	exitTrailerPattern     = regexp.MustCompile(`(?m)^EXIT_CODE=(-?\d+)\s*$`)
	durationTrailerPattern = regexp.MustCompile(`(?m)^DURATION_MS=(\d+)\s*$`)
)

// RunUnit executes one work unit: it re-reads the unit's command from the
// manifest by ordinal index, runs it under `sh -c`, captures interleaved
// stdout+stderr into the unit's log file, appends the explicit trailer
// lines, and bumps the shared progress counter, reporting on out.
//
// This is both the body of the hidden exec-unit worker subcommand (the
// indirect-dispatch path, where out is the worker's stdout) and the
// in-process unit runner used by the sequential backend (where out is the
// batch's output writer). A unit's own failure is recorded in its trailer,
// not returned: only infrastructure problems (unreadable manifest,
// unwritable log file) produce an error.
func RunUnit(ctx context.Context, manifestPath, logDir string, index, total int, out io.Writer) error {
	return runUnit(ctx, manifestPath, logDir, index, progress.New(logDir, total, out))
}

// runUnit is RunUnit with an explicit counter. A nil counter skips the
// progress bump: retry reruns repeat units already counted in the first
// pass, and counting them again would push the report past 100%.
func runUnit(ctx context.Context, manifestPath, logDir string, index int, counter *progress.Counter) error {
	cmdline, err := manifest.CommandAt(manifestPath, index)
	if err != nil {
		return err
	}

	logPath := UnitLogPath(logDir, index)
	f, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("creating unit log %s: %w", logPath, err)
	}
	defer f.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = f
	cmd.Stderr = f

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		exitCode = -1 // crash-only: never started or was killed
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	fmt.Fprintf(f, "\nDURATION_MS=%d\nEXIT_CODE=%d\n", elapsed.Milliseconds(), exitCode)

	if counter != nil {
		counter.Increment()
	}
	return nil
}

// ExecutionResult records the outcome of one work unit. Owned exclusively by
// the engine; read-only to everything downstream.
type ExecutionResult struct {
	UnitID     int
	ExitCode   int
	LogPath    string
	DurationMs int64
}

// readResult parses a unit log's trailer lines. The trailer is appended
// after the unit's own captured output, so the LAST match wins: a payload
// line that happens to look like a trailer must never mask the real one.
// A missing log or missing trailer is reported as a crash; the engine's
// collection pass synthesizes a best-effort trailer in that case so every
// unit has exactly one result.
func readResult(logDir string, index int) ExecutionResult {
	res := ExecutionResult{UnitID: index, ExitCode: -1, LogPath: UnitLogPath(logDir, index)}

	data, err := os.ReadFile(res.LogPath)
	if err != nil {
		return res
	}
	if ms := exitTrailerPattern.FindAllStringSubmatch(string(data), -1); ms != nil {
		res.ExitCode, _ = strconv.Atoi(ms[len(ms)-1][1])
	}
	if ms := durationTrailerPattern.FindAllStringSubmatch(string(data), -1); ms != nil {
		res.DurationMs, _ = strconv.ParseInt(ms[len(ms)-1][1], 10, 64)
	}
	return res
}

// ensureTrailer guarantees a unit log exists and ends with an exit-code
// trailer, writing a synthetic crash trailer when the worker never got to.
// Only a trailer terminating the log counts: a trailer-shaped line inside
// the unit's own captured output does not prove the worker finished.
func ensureTrailer(logDir string, index int) {
	path := UnitLogPath(logDir, index)
	data, err := os.ReadFile(path)
	if err == nil && endsWithTrailer(data) {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\nEXIT_CODE=-1\n")
}

// endsWithTrailer reports whether the last non-blank line is a trailer.
func endsWithTrailer(data []byte) bool {
	trimmed := strings.TrimRight(string(data), "\n")
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return exitTrailerPattern.MatchString(trimmed)
}
