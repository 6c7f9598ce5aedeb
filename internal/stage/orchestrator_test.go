package stage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ajallooe/agentic-notebook-marker/internal/backend"
	"github.com/ajallooe/agentic-notebook-marker/internal/degrade"
	"github.com/ajallooe/agentic-notebook-marker/internal/engine"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

// markingStage builds a five-student stage where exactly one student's unit
// fails with a quota message on stderr and produces no output artifact.
func markingStage(dir string) Stage {
	entries := make([]manifest.Entry, 0, 5)
	for _, s := range []string{"s1", "s2", "s3", "s4", "s5"} {
		entries = append(entries, manifest.Entry{
			Key:    s,
			Fields: map[string]string{"student": s},
		})
	}
	return Stage{
		ID:      "mark",
		Name:    "Marking",
		Kind:    KindBatch,
		Entries: entries,
		Command: "if test {student} = s3; then echo API quota exceeded >&2; false; else echo marked {student} > {output}; fi",
		Output:  filepath.Join(dir, "marked", "{student}.md"),
	}
}

func newTestOrchestrator(dir string, forceComplete bool) *Orchestrator {
	return &Orchestrator{
		Engine:          engine.New(nil, backend.NewProcessManager()),
		AssignmentDir:   dir,
		Jobs:            2,
		BackendOverride: backend.OverrideSequential,
		ForceComplete:   forceComplete,
		TotalMarks:      100,
		Output:          io.Discard,
	}
}

func TestOrchestrator_DegradedCompletion(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "marked"), 0755); err != nil {
		t.Fatal(err)
	}
	st := markingStage(dir)

	outcomes, err := newTestOrchestrator(dir, true).Run(context.Background(), []Stage{st})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	out := outcomes[0]
	if out.Status != StatusComplete {
		t.Errorf("status = %v, want complete", out.Status)
	}
	if len(out.Placeholders) != 1 || out.Placeholders[0] != "s3" {
		t.Errorf("placeholders = %v", out.Placeholders)
	}

	for _, s := range []string{"s1", "s2", "s3", "s4", "s5"} {
		path := filepath.Join(dir, "marked", s+".md")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("missing artifact for %s: %v", s, err)
		}
		isPlaceholder := strings.Contains(string(data), degrade.Marker)
		if s == "s3" && !isPlaceholder {
			t.Errorf("s3 artifact lacks the manual-review marker:\n%s", data)
		}
		if s != "s3" && isPlaceholder {
			t.Errorf("%s artifact unexpectedly a placeholder", s)
		}
	}

	s3, _ := os.ReadFile(filepath.Join(dir, "marked", "s3.md"))
	if !strings.Contains(string(s3), "quota") {
		t.Errorf("placeholder should carry mined log evidence:\n%s", s3)
	}
}

func TestOrchestrator_AbortWithoutDegradePolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "marked"), 0755); err != nil {
		t.Fatal(err)
	}
	st := markingStage(dir)

	outcomes, err := newTestOrchestrator(dir, false).Run(context.Background(), []Stage{st})
	if !errors.Is(err, ErrStageAborted) {
		t.Fatalf("err = %v, want ErrStageAborted", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusAborted {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Missing != 1 {
		t.Errorf("missing = %d, want 1", outcomes[0].Missing)
	}

	files, err := filepath.Glob(filepath.Join(dir, "marked", "*.md"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 4 {
		t.Errorf("artifacts = %d, want 4 (no placeholder on abort)", len(files))
	}
}

func TestOrchestrator_ResumeSkipsCompletedStage(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "marked"), 0755); err != nil {
		t.Fatal(err)
	}
	st := markingStage(dir)

	// First run degrades s3 to a placeholder; every artifact now exists.
	if _, err := newTestOrchestrator(dir, true).Run(context.Background(), []Stage{st}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := newTestOrchestrator(dir, false).Run(context.Background(), []Stage{st})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	out := outcomes[0]
	if out.Status != StatusComplete {
		t.Errorf("status = %v, want complete", out.Status)
	}
	if out.Counts.ToRun != 0 || out.Counts.AlreadyDone != 5 {
		t.Errorf("counts = %+v, want to_run 0 already_done 5", out.Counts)
	}
}

func TestOrchestrator_PartialResumeRunsOnlyMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "marked"), 0755); err != nil {
		t.Fatal(err)
	}

	entries := make([]manifest.Entry, 0, 3)
	for _, s := range []string{"s1", "s2", "s3"} {
		entries = append(entries, manifest.Entry{Key: s, Fields: map[string]string{"student": s}})
	}
	st := Stage{
		ID:      "mark",
		Name:    "Marking",
		Kind:    KindBatch,
		Entries: entries,
		Command: "echo marked {student} > {output}",
		Output:  filepath.Join(dir, "marked", "{student}.md"),
	}

	// Pre-complete s2 out of band; it must be omitted, not re-run.
	preDone := filepath.Join(dir, "marked", "s2.md")
	if err := os.WriteFile(preDone, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	outcomes, err := newTestOrchestrator(dir, false).Run(context.Background(), []Stage{st})
	if err != nil {
		t.Fatal(err)
	}
	out := outcomes[0]
	if out.Status != StatusComplete {
		t.Errorf("status = %v", out.Status)
	}
	if out.Counts.ToRun != 2 || out.Counts.AlreadyDone != 1 {
		t.Errorf("counts = %+v, want to_run 2 already_done 1", out.Counts)
	}
	data, err := os.ReadFile(preDone)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Errorf("pre-existing artifact was overwritten: %q", data)
	}
}

func TestOrchestrator_DependencyOrderRespected(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"a", "b"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			t.Fatal(err)
		}
	}

	second := Stage{
		ID:   "second",
		Name: "second",
		Kind: KindSingle,
		DependsOn: []string{"first"},
		Entries: []manifest.Entry{{Key: "second", Fields: map[string]string{}}},
		Command: "cat " + filepath.Join(dir, "a", "one.txt") + " > {output}",
		Output:  filepath.Join(dir, "b", "two.txt"),
	}
	first := Stage{
		ID:      "first",
		Name:    "first",
		Kind:    KindSingle,
		Entries: []manifest.Entry{{Key: "first", Fields: map[string]string{}}},
		Command: "echo handoff > {output}",
		Output:  filepath.Join(dir, "a", "one.txt"),
	}

	// Pass the stages in reverse order; Run must still execute first before
	// second, or second's cat would fail and leave no output.
	outcomes, err := newTestOrchestrator(dir, false).Run(context.Background(), []Stage{second, first})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	for _, out := range outcomes {
		if out.Status != StatusComplete {
			t.Errorf("stage %s status = %v", out.Stage.ID, out.Status)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "b", "two.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "handoff" {
		t.Errorf("second stage output = %q", data)
	}
}
