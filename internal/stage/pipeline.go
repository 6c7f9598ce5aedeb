package stage

import (
	"fmt"
	"path/filepath"

	"github.com/ajallooe/agentic-notebook-marker/internal/config"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

// BuildStages turns the declarative stage list of an assignment config into
// resolved Stage values: every stage gets its input collection expanded and
// its output template anchored under the assignment directory.
func BuildStages(dir string, cfg *config.Config, subs *config.SubmissionSet) ([]Stage, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving assignment directory: %w", err)
	}

	stages := make([]Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		provider := config.Provider{}
		if cfg.DefaultProvider != "" {
			provider, err = config.ResolveProvider(cfg.DefaultProvider)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", sc.ID, err)
			}
		}

		st := Stage{
			ID:        sc.ID,
			Name:      sc.Name,
			DependsOn: sc.DependsOn,
			Command:   sc.Command,
			Output:    anchor(absDir, sc.Output),
			Provider:  provider,
		}
		if st.Name == "" {
			st.Name = sc.ID
		}

		base := map[string]string{
			"dir":      absDir,
			"provider": provider.Binary,
			"model":    cfg.ModelFor(sc),
		}

		switch sc.Kind {
		case "batch":
			st.Kind = KindBatch
			st.Entries, err = batchEntries(sc, subs, base, absDir, cfg.Activities)
			if err != nil {
				return nil, err
			}
		case "single":
			st.Kind = KindSingle
			st.Entries = []manifest.Entry{{Key: sc.ID, Fields: base}}
		default:
			return nil, fmt.Errorf("stage %q: unknown kind %q", sc.ID, sc.Kind)
		}

		stages = append(stages, st)
	}
	return stages, nil
}

// batchEntries expands a batch stage's input collection.
func batchEntries(sc config.StageConfig, subs *config.SubmissionSet, base map[string]string, absDir string, activities []string) ([]manifest.Entry, error) {
	if subs == nil || len(subs.Submissions) == 0 {
		return nil, fmt.Errorf("stage %q: no submissions to enumerate", sc.ID)
	}

	var entries []manifest.Entry
	switch sc.Items {
	case "students":
		for _, sub := range subs.Submissions {
			entries = append(entries, manifest.Entry{
				Key:    sub.Student,
				Fields: mergeFields(base, sub, absDir, ""),
			})
		}
	case "students_activities":
		if len(activities) == 0 {
			return nil, fmt.Errorf("stage %q: items students_activities but no activities configured", sc.ID)
		}
		for _, sub := range subs.Submissions {
			for _, act := range activities {
				entries = append(entries, manifest.Entry{
					Key:    sub.Student + "/" + act,
					Fields: mergeFields(base, sub, absDir, act),
				})
			}
		}
	default:
		return nil, fmt.Errorf("stage %q: unknown items source %q", sc.ID, sc.Items)
	}
	return entries, nil
}

// mergeFields builds the field map for one entry without mutating base.
func mergeFields(base map[string]string, sub config.Submission, absDir, activity string) map[string]string {
	out := make(map[string]string, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	out["student"] = sub.Student
	out["notebook"] = anchor(absDir, sub.Notebook)
	if activity != "" {
		out["activity"] = activity
	}
	return out
}

// anchor joins a template or path under the assignment directory unless it
// is already absolute.
func anchor(absDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(absDir, path)
}
