package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Submission is one subject to be processed: a student (or group) and the
// notebook they handed in.
type Submission struct {
	Student  string `json:"student"`
	Notebook string `json:"notebook"`
}

// SubmissionSet is the discovered input collection for an assignment,
// produced by the submission finder and consumed by every batch stage.
type SubmissionSet struct {
	Submissions []Submission `json:"submissions"`
}

// LoadSubmissions reads <dir>/submissions.json. A missing or empty manifest
// is an infrastructure error: no batch stage can enumerate its units
// without it, so the pipeline fails fast.
func LoadSubmissions(dir string) (*SubmissionSet, error) {
	path := filepath.Join(dir, "submissions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading submissions manifest %s: %w", path, err)
	}

	var set SubmissionSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing submissions manifest %s: %w", path, err)
	}
	if len(set.Submissions) == 0 {
		return nil, fmt.Errorf("submissions manifest %s lists no submissions", path)
	}
	for i, s := range set.Submissions {
		if s.Student == "" {
			return nil, fmt.Errorf("submissions manifest %s: entry %d has no student", path, i)
		}
	}
	return &set, nil
}
