package manifest

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// WorkUnit is one independent external-process invocation plus the artifact
// that proves its completion. Units are immutable once built; their ID is the
// 1-based ordinal position in the manifest and is the only handle workers
// receive under indirect dispatch.
type WorkUnit struct {
	ID                 int
	Key                string // subject identity (e.g. "alice" or "alice/activity2")
	Command            string // fully-formed shell command line
	ExpectedOutputPath string
}

// Manifest is the ordered unit list for one batch. Order fixes addressable
// identity only; it carries no execution-order guarantee.
type Manifest struct {
	Units []WorkUnit
}

// Counts summarizes manifest construction for reporting and for the
// orchestrator's completion arithmetic: ExpectedTotal == AlreadyDone + ToRun.
type Counts struct {
	ExpectedTotal int
	ToRun         int
	AlreadyDone   int
}

// Len returns the number of units to run.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Units)
}

// WriteFile writes the manifest in its wire format: one command line per
// unit, line N corresponding to ordinal index N (1-based).
func (m *Manifest) WriteFile(path string) error {
	var sb strings.Builder
	for _, u := range m.Units {
		sb.WriteString(u.Command)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing manifest %s: %w", path, err)
	}
	return nil
}

// ReadCommands reads every command line from a manifest file.
func ReadCommands(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()

	var cmds []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmds = append(cmds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return cmds, nil
}

// CommandAt re-reads the command at the given 1-based ordinal index.
// This is the worker side of indirect dispatch: the dispatcher hands workers
// only an index, and each worker resolves its own command from the manifest,
// so command text never travels through the dispatcher's argument vector.
func CommandAt(path string, index int) (string, error) {
	cmds, err := ReadCommands(path)
	if err != nil {
		return "", err
	}
	if index < 1 || index > len(cmds) {
		return "", fmt.Errorf("manifest %s has %d units, index %d out of range", path, len(cmds), index)
	}
	return cmds[index-1], nil
}
