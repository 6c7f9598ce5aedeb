package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const validStages = `
stages:
  - id: mark
    kind: batch
    items: students
    command: "claude -p 'mark {student}' > {output}"
    output: "processed/final/{student}_feedback.md"
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.MaxParallel)
	}
	if cfg.APIMaxParallel != 32 {
		t.Errorf("APIMaxParallel = %d, want 32", cfg.APIMaxParallel)
	}
	if cfg.AssignmentType != "structured" {
		t.Errorf("AssignmentType = %q", cfg.AssignmentType)
	}
	if cfg.TotalMarks != 100 {
		t.Errorf("TotalMarks = %v", cfg.TotalMarks)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, "config.yaml")
	overview := filepath.Join(dir, "overview.md")

	writeFile(t, system, `
default_provider: gemini
default_model: gemini-2.5-pro
max_parallel: 8
`)
	writeFile(t, overview, `---
default_model: gemini-2.5-flash
total_marks: 40
`+validStages+`---

# Assignment 3

Instructions follow.
`)

	cfg, err := Load(system, overview)
	if err != nil {
		t.Fatal(err)
	}

	// Overview front matter wins over system config.
	if cfg.DefaultModel != "gemini-2.5-flash" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	// System config wins over defaults where overview is silent.
	if cfg.DefaultProvider != "gemini" {
		t.Errorf("DefaultProvider = %q", cfg.DefaultProvider)
	}
	if cfg.MaxParallel != 8 {
		t.Errorf("MaxParallel = %d", cfg.MaxParallel)
	}
	if cfg.TotalMarks != 40 {
		t.Errorf("TotalMarks = %v", cfg.TotalMarks)
	}
	if len(cfg.Stages) != 1 || cfg.Stages[0].ID != "mark" {
		t.Errorf("Stages = %+v", cfg.Stages)
	}
}

func TestLoad_MissingFilesAreNotErrors(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "absent.yaml"), filepath.Join(dir, "absent.md"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxParallel != 4 {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, "config.yaml")
	writeFile(t, system, "max_parallel: [not an int")
	if _, err := Load(system, ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExtractFrontMatter(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"present", "---\nkey: value\n---\nbody", "key: value", true},
		{"absent", "# Just markdown\n", "", false},
		{"unterminated", "---\nkey: value\n", "", false},
		{"not at start", "text\n---\nkey: v\n---\n", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractFrontMatter(tt.content)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractFrontMatter = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestValidate_StageErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate id", `
stages:
  - {id: mark, kind: batch, items: students, command: c, output: o}
  - {id: mark, kind: batch, items: students, command: c, output: o}
`},
		{"unknown kind", `
stages:
  - {id: mark, kind: parallel, command: c, output: o}
`},
		{"unknown items", `
stages:
  - {id: mark, kind: batch, items: graders, command: c, output: o}
`},
		{"missing command", `
stages:
  - {id: mark, kind: batch, items: students, output: o}
`},
		{"unknown dependency", `
stages:
  - {id: mark, kind: batch, items: students, command: c, output: o, depends_on: [design]}
`},
		{"single with items", `
stages:
  - {id: agg, kind: single, items: students, command: c, output: o}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			writeFile(t, path, tt.yaml)
			if _, err := Load(path, ""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestModelFor(t *testing.T) {
	cfg := &Config{
		DefaultModel: "base-model",
		StageModels:  map[string]string{"mark": "marking-model"},
	}
	if got := cfg.ModelFor(StageConfig{ID: "mark"}); got != "marking-model" {
		t.Errorf("stage_models override: got %q", got)
	}
	if got := cfg.ModelFor(StageConfig{ID: "mark", Model: "inline-model"}); got != "inline-model" {
		t.Errorf("inline override: got %q", got)
	}
	if got := cfg.ModelFor(StageConfig{ID: "unify"}); got != "base-model" {
		t.Errorf("default fallthrough: got %q", got)
	}
}

func TestResolveProvider(t *testing.T) {
	for _, name := range []string{"claude", "gemini", "codex"} {
		p, err := ResolveProvider(name)
		if err != nil {
			t.Errorf("ResolveProvider(%q): %v", name, err)
		}
		if p.Binary == "" {
			t.Errorf("provider %q has no binary", name)
		}
	}
	if _, err := ResolveProvider("gpt-9"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestLoadSubmissions(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadSubmissions(dir); err == nil {
		t.Error("expected error for missing manifest")
	}

	writeFile(t, filepath.Join(dir, "submissions.json"), `{
  "submissions": [
    {"student": "alice", "notebook": "submissions/alice.ipynb"},
    {"student": "bob", "notebook": "submissions/bob.ipynb"}
  ]
}`)
	set, err := LoadSubmissions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Submissions) != 2 || set.Submissions[0].Student != "alice" {
		t.Errorf("submissions = %+v", set.Submissions)
	}

	writeFile(t, filepath.Join(dir, "submissions.json"), `{"submissions": []}`)
	if _, err := LoadSubmissions(dir); err == nil {
		t.Error("expected error for empty manifest")
	}
}
