package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// categoriesInOrder fixes the rendering order of the human-readable report.
var categoriesInOrder = []Category{
	CategoryQuota,
	CategoryTimeout,
	CategoryNetwork,
	CategoryPermission,
	CategoryToolFailure,
	CategoryUnknown,
}

// Render formats the report for human consumption.
func (r *Report) Render() string {
	if len(r.Failures) == 0 {
		return "no unit failures\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d failed unit(s)\n\n", len(r.Failures))

	for _, cat := range categoriesInOrder {
		n := r.Counts[cat]
		if n == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s (%d):\n", cat, n)
		for _, f := range r.Failures {
			if f.Category != cat {
				continue
			}
			fmt.Fprintf(&sb, "  unit %d (exit %d): %s\n", f.UnitID, f.ExitCode, f.LogPath)
			if f.Evidence != "" {
				fmt.Fprintf(&sb, "    %s\n", f.Evidence)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// WriteJSON writes the machine-readable report to the given path.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling failure report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing failure report %s: %w", path, err)
	}
	return nil
}

// TransientUnits returns the IDs of failed units whose category is worth
// retrying, in manifest order.
func (r *Report) TransientUnits() []int {
	var ids []int
	for _, f := range r.Failures {
		if f.Category.Transient() {
			ids = append(ids, f.UnitID)
		}
	}
	return ids
}
