package config

import (
	"fmt"
	"os/exec"
)

// Provider describes one external AI-assistant CLI usable as a unit command.
// HeadlessArgs are the flags that make the binary run a single non-
// interactive turn reading the prompt from its arguments.
type Provider struct {
	Name         string
	Binary       string
	HeadlessArgs []string
}

// knownProviders are the assistant CLIs the pipeline knows how to drive.
var knownProviders = map[string]Provider{
	"claude": {
		Name:         "claude",
		Binary:       "claude",
		HeadlessArgs: []string{"-p", "--output-format", "text", "--dangerously-skip-permissions"},
	},
	"gemini": {
		Name:         "gemini",
		Binary:       "gemini",
		HeadlessArgs: []string{"--yolo", "-p"},
	},
	"codex": {
		Name:         "codex",
		Binary:       "codex",
		HeadlessArgs: []string{"exec", "--full-auto"},
	},
}

// ResolveProvider looks up a known provider by name.
func ResolveProvider(name string) (Provider, error) {
	p, ok := knownProviders[name]
	if !ok {
		return Provider{}, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Available reports whether the provider's binary can be found in PATH.
// The orchestrator checks this before dispatching a stage so that a missing
// CLI fails fast as a configuration error instead of failing every unit.
func (p Provider) Available() bool {
	_, err := exec.LookPath(p.Binary)
	return err == nil
}
