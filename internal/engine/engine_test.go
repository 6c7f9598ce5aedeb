package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ajallooe/agentic-notebook-marker/internal/backend"
	"github.com/ajallooe/agentic-notebook-marker/internal/classify"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

func writeManifest(t *testing.T, dir string, commands ...string) string {
	t.Helper()
	m := &manifest.Manifest{}
	for i, c := range commands {
		m.Units = append(m.Units, manifest.WorkUnit{ID: i + 1, Command: c})
	}
	path := filepath.Join(dir, "tasks.txt")
	if err := m.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEngine_FailFastOnMissingManifest(t *testing.T) {
	e := New(nil, backend.NewProcessManager())
	_, err := e.Run(context.Background(), Options{
		ManifestPath: filepath.Join(t.TempDir(), "nope.txt"),
		LogDir:       t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected infrastructure error for missing manifest")
	}
}

func TestEngine_EmptyManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.txt")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	e := New(nil, backend.NewProcessManager())
	res, err := e.Run(context.Background(), Options{ManifestPath: path, LogDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 || res.ExitCode != 0 {
		t.Errorf("empty manifest: total=%d exit=%d", res.Total, res.ExitCode)
	}
}

func TestEngine_SequentialBatch(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	out1 := filepath.Join(dir, "one.txt")
	out2 := filepath.Join(dir, "two.txt")

	mpath := writeManifest(t, dir,
		fmt.Sprintf("echo hello > %s", out1),
		fmt.Sprintf("echo world > %s", out2),
		"exit 3",
	)

	var buf bytes.Buffer
	e := New(nil, backend.NewProcessManager())
	res, err := e.Run(context.Background(), Options{
		ManifestPath:    mpath,
		LogDir:          logDir,
		Jobs:            1,
		BackendOverride: backend.OverrideSequential,
		Output:          &buf,
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Total != 3 || res.Succeeded != 2 {
		t.Errorf("total=%d succeeded=%d, want 3/2", res.Total, res.Succeeded)
	}
	// Exit code derived from worst unit failure (3), distinct from it.
	if res.ExitCode != 103 {
		t.Errorf("exit code = %d, want 103", res.ExitCode)
	}

	// Artifacts written by the units themselves.
	for _, p := range []string{out1, out2} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing artifact %s", p)
		}
	}

	// One result per unit, in ordinal order, with trailers parsed.
	if len(res.Results) != 3 {
		t.Fatalf("got %d results", len(res.Results))
	}
	if res.Results[2].ExitCode != 3 {
		t.Errorf("unit 3 exit = %d, want 3", res.Results[2].ExitCode)
	}

	// Progress reporting reached 100%.
	if !strings.Contains(buf.String(), "100%, 3/3") {
		t.Errorf("missing final progress line in output:\n%s", buf.String())
	}
}

func TestEngine_UnitLogsHaveTrailers(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	mpath := writeManifest(t, dir, "echo captured output; echo on stderr >&2")

	e := New(nil, backend.NewProcessManager())
	if _, err := e.Run(context.Background(), Options{
		ManifestPath:    mpath,
		LogDir:          logDir,
		BackendOverride: backend.OverrideSequential,
	}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(UnitLogPath(logDir, 1))
	if err != nil {
		t.Fatal(err)
	}
	log := string(data)
	for _, want := range []string{"captured output", "on stderr", "DURATION_MS=", "EXIT_CODE=0"} {
		if !strings.Contains(log, want) {
			t.Errorf("unit log missing %q:\n%s", want, log)
		}
	}
}

func TestEngine_FailedUnitDoesNotCancelSiblings(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	after := filepath.Join(dir, "after.txt")

	mpath := writeManifest(t, dir,
		"exit 1",
		fmt.Sprintf("echo survived > %s", after),
	)

	e := New(nil, backend.NewProcessManager())
	res, err := e.Run(context.Background(), Options{
		ManifestPath:    mpath,
		LogDir:          logDir,
		BackendOverride: backend.OverrideSequential,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", res.Succeeded)
	}
	if _, err := os.Stat(after); err != nil {
		t.Error("unit after the failure did not run")
	}
}

func TestEngine_ClassifiesFailures(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	mpath := writeManifest(t, dir,
		"echo 'Error: quota exceeded' >&2; exit 1",
		"echo fine",
	)

	e := New(nil, backend.NewProcessManager())
	res, err := e.Run(context.Background(), Options{
		ManifestPath:    mpath,
		LogDir:          logDir,
		BackendOverride: backend.OverrideSequential,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Report == nil || len(res.Report.Failures) != 1 {
		t.Fatalf("report = %+v", res.Report)
	}
	if res.Report.Failures[0].Category != classify.CategoryQuota {
		t.Errorf("category = %v, want quota", res.Report.Failures[0].Category)
	}
}

func TestRunUnit_RecordsFailureWithoutError(t *testing.T) {
	dir := t.TempDir()
	mpath := writeManifest(t, dir, "exit 42")

	if err := RunUnit(context.Background(), mpath, dir, 1, 1, io.Discard); err != nil {
		t.Fatalf("unit failure must not be an infrastructure error: %v", err)
	}

	r := readResult(dir, 1)
	if r.ExitCode != 42 {
		t.Errorf("exit = %d, want 42", r.ExitCode)
	}
}

func TestRunUnit_IndexOutOfRangeIsInfrastructure(t *testing.T) {
	dir := t.TempDir()
	mpath := writeManifest(t, dir, "echo only one")

	if err := RunUnit(context.Background(), mpath, dir, 2, 1, io.Discard); err == nil {
		t.Fatal("expected error for out-of-range ordinal")
	}
}

func TestEnsureTrailer_SynthesizesCrashResult(t *testing.T) {
	dir := t.TempDir()

	// Unit 1: log exists but worker died before the trailer.
	if err := os.WriteFile(UnitLogPath(dir, 1), []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	// Unit 2: no log at all.
	ensureTrailer(dir, 1)
	ensureTrailer(dir, 2)

	for i := 1; i <= 2; i++ {
		r := readResult(dir, i)
		if r.ExitCode != -1 {
			t.Errorf("unit %d exit = %d, want -1", i, r.ExitCode)
		}
	}
}

func TestProviderOf(t *testing.T) {
	tests := []struct {
		cmd  string
		want string
	}{
		{"claude -p 'mark this' --output-format json", "claude"},
		{"/usr/local/bin/gemini --yolo", "gemini"},
		{"scripts/mark_one.sh alice", "mark_one.sh"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := providerOf(tt.cmd); got != tt.want {
			t.Errorf("providerOf(%q) = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestEngine_RetryTransientEventuallySucceeds(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	marker := filepath.Join(dir, "attempted")

	// Fails with a quota signature on the first attempt, succeeds once the
	// marker file exists.
	cmd := fmt.Sprintf(
		"if [ -e %s ]; then echo recovered; else touch %s; echo 'Error: rate limit exceeded' >&2; exit 1; fi",
		marker, marker)
	mpath := writeManifest(t, dir, cmd)

	var buf bytes.Buffer
	e := New(nil, backend.NewProcessManager())
	res, err := e.Run(context.Background(), Options{
		ManifestPath:    mpath,
		LogDir:          logDir,
		BackendOverride: backend.OverrideSequential,
		RetryTransient:  true,
		Output:          &buf,
		Retry: RetryConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			MaxElapsedTime:  5 * time.Second,
			Multiplier:      2.0,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.ExitCode != 0 {
		t.Errorf("succeeded=%d exit=%d, want 1/0", res.Succeeded, res.ExitCode)
	}
	if len(res.Report.Failures) != 0 {
		t.Errorf("report still lists failures: %+v", res.Report.Failures)
	}

	// Retry reruns must not bump the progress counter past 100%.
	for _, m := range regexp.MustCompile(`(\d+)%,`).FindAllStringSubmatch(buf.String(), -1) {
		if pct, _ := strconv.Atoi(m[1]); pct > 100 {
			t.Errorf("progress exceeded 100%%: %s", m[0])
		}
	}
}

func TestReadResult_LastTrailerWins(t *testing.T) {
	dir := t.TempDir()

	// The unit's own output contains a line shaped like a success trailer;
	// the real trailer appended afterwards records the failure.
	log := "tool chatter\nEXIT_CODE=0\nmore output\n\nDURATION_MS=12\nEXIT_CODE=3\n"
	if err := os.WriteFile(UnitLogPath(dir, 1), []byte(log), 0644); err != nil {
		t.Fatal(err)
	}

	r := readResult(dir, 1)
	if r.ExitCode != 3 {
		t.Errorf("exit = %d, want 3 (payload line must not mask the trailer)", r.ExitCode)
	}
	if r.DurationMs != 12 {
		t.Errorf("duration = %d, want 12", r.DurationMs)
	}
}

func TestEnsureTrailer_PayloadTrailerLineDoesNotCount(t *testing.T) {
	dir := t.TempDir()

	// Worker died mid-output after echoing a trailer-shaped line. Only a
	// trailer terminating the log proves the worker finished.
	log := "EXIT_CODE=0\npartial output with no end"
	if err := os.WriteFile(UnitLogPath(dir, 1), []byte(log), 0644); err != nil {
		t.Fatal(err)
	}

	ensureTrailer(dir, 1)
	if r := readResult(dir, 1); r.ExitCode != -1 {
		t.Errorf("exit = %d, want synthesized -1", r.ExitCode)
	}
}
