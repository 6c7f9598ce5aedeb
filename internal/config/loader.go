package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the built-in defaults, used when neither the system
// config nor the overview front matter specifies a value.
func DefaultConfig() *Config {
	return &Config{
		MaxParallel:    4,
		APIMaxParallel: 32,
		AssignmentType: "structured",
		TotalMarks:     100,
	}
}

// Load reads and merges configuration for one assignment.
// Order of precedence (highest to lowest): overview.md front matter,
// system config (configs/config.yaml), built-in defaults.
// Missing files are not errors; malformed YAML is.
func Load(systemPath, overviewPath string) (*Config, error) {
	cfg := DefaultConfig()

	if systemPath != "" {
		if err := mergeYAMLFile(cfg, systemPath); err != nil {
			return nil, fmt.Errorf("loading system config: %w", err)
		}
	}

	if overviewPath != "" {
		if err := mergeFrontMatter(cfg, overviewPath); err != nil {
			return nil, fmt.Errorf("loading overview config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAssignment loads configuration from an assignment directory's
// conventional paths: <dir>/configs/config.yaml and <dir>/overview.md.
func LoadAssignment(dir string) (*Config, error) {
	return Load(
		filepath.Join(dir, "configs", "config.yaml"),
		filepath.Join(dir, "overview.md"),
	)
}

// mergeYAMLFile overlays a plain YAML config file onto the base config.
// Only keys present in the file are touched, which is what gives the
// precedence chain its layering.
func mergeYAMLFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Missing file is not an error
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// mergeFrontMatter overlays the YAML front matter of a markdown file
// (the block between the leading --- delimiters) onto the base config.
// A markdown file without front matter contributes nothing.
func mergeFrontMatter(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	fm, ok := extractFrontMatter(string(data))
	if !ok {
		return nil
	}
	if err := yaml.Unmarshal([]byte(fm), base); err != nil {
		return fmt.Errorf("parsing front matter of %s: %w", path, err)
	}
	return nil
}

// extractFrontMatter returns the YAML block between the leading ---
// delimiters, if present.
func extractFrontMatter(content string) (string, bool) {
	content = strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(content, "---") {
		return "", false
	}
	rest := content[3:]
	rest = strings.TrimPrefix(rest, "\r")
	if !strings.HasPrefix(rest, "\n") {
		return "", false
	}
	rest = rest[1:]

	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// validate enforces the structural invariants the orchestrator relies on.
func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Stages))
	for _, st := range c.Stages {
		if st.ID == "" {
			return fmt.Errorf("stage with empty id")
		}
		if seen[st.ID] {
			return fmt.Errorf("duplicate stage id %q", st.ID)
		}
		seen[st.ID] = true

		switch st.Kind {
		case "batch":
			if st.Items != "students" && st.Items != "students_activities" {
				return fmt.Errorf("stage %q: unknown items source %q", st.ID, st.Items)
			}
		case "single":
			if st.Items != "" {
				return fmt.Errorf("stage %q: single stages take no items source", st.ID)
			}
		default:
			return fmt.Errorf("stage %q: unknown kind %q", st.ID, st.Kind)
		}
		if st.Command == "" {
			return fmt.Errorf("stage %q: missing command template", st.ID)
		}
		if st.Output == "" {
			return fmt.Errorf("stage %q: missing output template", st.ID)
		}
	}

	for _, st := range c.Stages {
		for _, dep := range st.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("stage %q depends on unknown stage %q", st.ID, dep)
			}
		}
	}
	return nil
}
