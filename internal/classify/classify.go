// Package classify buckets failed work units into failure categories by
// scanning their captured logs for known signatures. The output is purely
// advisory: it informs the operator and the transient-retry policy, but it
// never itself retries or mutates pipeline state.
package classify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Category is one failure bucket.
type Category string

const (
	CategoryQuota       Category = "quota"
	CategoryTimeout     Category = "timeout"
	CategoryNetwork     Category = "network"
	CategoryPermission  Category = "permission"
	CategoryToolFailure Category = "tool-failure"
	CategoryUnknown     Category = "unknown"
)

// Transient reports whether a category is worth retrying: the failure is
// expected to clear on its own (provider quota windows, flaky networks,
// timeouts) rather than being deterministic.
func (c Category) Transient() bool {
	switch c {
	case CategoryQuota, CategoryNetwork, CategoryTimeout:
		return true
	}
	return false
}

// signature maps a set of lowercase substrings to a category. A failing
// unit is assigned the first matching category in declaration order, so
// more specific signatures come first.
type signature struct {
	category Category
	needles  []string
}

var signatures = []signature{
	{CategoryQuota, []string{
		"rate limit", "rate_limit", "quota", "resource_exhausted",
		"too many requests", "429", "overloaded_error", "usage limit",
	}},
	{CategoryTimeout, []string{
		"timed out", "timeout", "deadline exceeded",
	}},
	{CategoryNetwork, []string{
		"connection refused", "connection reset", "no such host",
		"network is unreachable", "tls handshake", "econnrefused",
		"fetch failed", "socket hang up",
	}},
	{CategoryPermission, []string{
		"permission denied", "unauthorized", "invalid api key",
		"authentication failed", "credential", "403",
	}},
	{CategoryToolFailure, []string{
		"command not found", "no such file or directory", "panic:",
		"traceback (most recent call last)", "fatal error", "segmentation fault",
	}},
}

// noiseLines are log lines that match failure needles but carry no failure
// evidence; they are skipped when extracting snippets. The credential line
// shows up on every successful cached-auth invocation.
var noiseNeedles = []string{"yolo mode", "cached credentials"}

// FailureReport is the classification of one failed unit.
type FailureReport struct {
	UnitID   int      `json:"unit_id"`
	Category Category `json:"category"`
	ExitCode int      `json:"exit_code"`
	LogPath  string   `json:"log_path"`
	Evidence string   `json:"evidence,omitempty"`
}

// Report is the classification of one batch's log directory.
type Report struct {
	Failures []FailureReport  `json:"failures"`
	Counts   map[Category]int `json:"counts"`
}

// unitLogPattern matches the engine's per-unit log naming.
var unitLogPattern = regexp.MustCompile(`^unit_(\d+)\.log$`)

// trailerPattern matches the explicit exit-code trailer the unit runner
// appends to every log.
var trailerPattern = regexp.MustCompile(`(?m)^EXIT_CODE=(-?\d+)\s*$`)

// Scan reads every unit log under logDir, classifies those whose trailer
// records a non-zero exit, and returns the aggregate report. Log files are
// read concurrently with a small bound; the scan is I/O-only.
func Scan(ctx context.Context, logDir string) (*Report, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("reading log directory %s: %w", logDir, err)
	}

	var mu sync.Mutex
	report := &Report{Counts: map[Category]int{}}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, de := range dirEntries {
		m := unitLogPattern.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		unitID, _ := strconv.Atoi(m[1])
		path := filepath.Join(logDir, de.Name())

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fr, failed, err := classifyLog(unitID, path)
			if err != nil {
				return err
			}
			if !failed {
				return nil
			}
			mu.Lock()
			report.Failures = append(report.Failures, fr)
			report.Counts[fr.Category]++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].UnitID < report.Failures[j].UnitID
	})
	return report, nil
}

// classifyLog reads one unit log and classifies it if it failed.
// A log with no trailer is treated as a crash (exit code -1).
func classifyLog(unitID int, path string) (FailureReport, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FailureReport{}, false, fmt.Errorf("reading unit log %s: %w", path, err)
	}
	content := string(data)

	// The trailer is appended after the unit's captured output, so the last
	// match is authoritative; payload lines shaped like trailers are inert.
	exitCode := -1
	if ms := trailerPattern.FindAllStringSubmatch(content, -1); ms != nil {
		exitCode, _ = strconv.Atoi(ms[len(ms)-1][1])
	}
	if exitCode == 0 {
		return FailureReport{}, false, nil
	}

	category, evidence := Match(content)
	return FailureReport{
		UnitID:   unitID,
		Category: category,
		ExitCode: exitCode,
		LogPath:  path,
		Evidence: evidence,
	}, true, nil
}

// Match scans log content for the first matching failure signature and
// returns its category plus the evidence line, or CategoryUnknown when no
// signature is present.
func Match(content string) (Category, string) {
	for _, line := range strings.Split(content, "\n") {
		lower := strings.ToLower(line)
		if isNoise(lower) {
			continue
		}
		for _, sig := range signatures {
			for _, needle := range sig.needles {
				if strings.Contains(lower, needle) {
					return sig.category, strings.TrimSpace(line)
				}
			}
		}
	}
	return CategoryUnknown, ""
}

func isNoise(lowerLine string) bool {
	for _, n := range noiseNeedles {
		if strings.Contains(lowerLine, n) {
			return true
		}
	}
	return false
}
