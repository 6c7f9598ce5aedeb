// Package stage sequences the marking pipeline's stages and checkpoints
// them on the filesystem: a unit is complete exactly when its expected
// output artifact exists, and stage state is recomputed from disk on every
// invocation. There is no journal to drift out of sync; the filesystem is
// the checkpoint.
package stage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gammazero/toposort"

	"github.com/ajallooe/agentic-notebook-marker/internal/config"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

// Kind distinguishes fan-out stages from one-shot stages.
type Kind int

const (
	KindBatch  Kind = iota // one unit per entry of the input collection
	KindSingle             // exactly one unit; output presence is completion
)

// Status is the terminal state of one stage invocation.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusComplete
	StatusPartial
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	case StatusPartial:
		return "partial"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Stage is one phase of the pipeline with its resolved input collection.
// Entries are immutable once built; output paths derive deterministically
// from entry identity, which is what makes re-runs resumable.
type Stage struct {
	ID        string
	Name      string
	Kind      Kind
	DependsOn []string
	Entries   []manifest.Entry
	Command   string // unit command template
	Output    string // expected-artifact path template (absolute after BuildStages)
	Provider  config.Provider
}

// State is the filesystem-derived completion picture of a stage. It is
// computed fresh at the start of every stage run and never persisted.
type State struct {
	StageID       string
	ExpectedTotal int
	CompletedKeys map[string]bool
}

// Complete reports whether every expected output is on disk.
func (s State) Complete() bool {
	return len(s.CompletedKeys) == s.ExpectedTotal
}

// missingOf returns the entries with no output artifact, in entry order.
func (s State) missingOf(st Stage) []manifest.Entry {
	var out []manifest.Entry
	for _, e := range st.Entries {
		if !s.CompletedKeys[e.Key] {
			out = append(out, e)
		}
	}
	return out
}

// ProbeState stats every entry's expected output. Presence of the artifact
// is the one and only completion signal, for batch and single stages alike.
func ProbeState(st Stage) (State, error) {
	state := State{
		StageID:       st.ID,
		ExpectedTotal: len(st.Entries),
		CompletedKeys: make(map[string]bool, len(st.Entries)),
	}
	for _, e := range st.Entries {
		path, err := manifest.Expand(st.Output, e.Fields, false)
		if err != nil {
			return State{}, fmt.Errorf("stage %s: %w", st.ID, err)
		}
		if _, err := os.Stat(path); err == nil {
			state.CompletedKeys[e.Key] = true
		}
	}
	return state, nil
}

// OutputPath expands the stage's output template for one entry.
func (st Stage) OutputPath(e manifest.Entry) (string, error) {
	return manifest.Expand(st.Output, e.Fields, false)
}

// Order returns the stages in dependency order, validating that the
// dependency graph is acyclic and complete.
func Order(stages []Stage) ([]Stage, error) {
	byID := make(map[string]Stage, len(stages))
	var edges []toposort.Edge
	for _, st := range stages {
		byID[st.ID] = st
		if len(st.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, st.ID})
			continue
		}
		for _, dep := range st.DependsOn {
			if _, ok := byID[dep]; !ok {
				// Config validation catches this too; keep the check local
				// so Order is safe on hand-built stage lists.
				if !containsStage(stages, dep) {
					return nil, fmt.Errorf("stage %q depends on unknown stage %q", st.ID, dep)
				}
			}
			edges = append(edges, toposort.Edge{dep, st.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("stage dependency cycle: %w", err)
	}

	out := make([]Stage, 0, len(stages))
	for _, id := range sorted {
		if st, ok := byID[id.(string)]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func containsStage(stages []Stage, id string) bool {
	for _, st := range stages {
		if st.ID == id {
			return true
		}
	}
	return false
}

// LogRoot returns the per-stage log root inside the assignment directory.
func LogRoot(assignmentDir, stageID string) string {
	return filepath.Join(assignmentDir, "processed", "logs", stageID+"_logs")
}
