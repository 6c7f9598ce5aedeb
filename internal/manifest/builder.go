package manifest

import (
	"fmt"
	"os"
	"strings"
)

// Entry is one subject in a stage's input collection. Fields hold the
// placeholder values substituted into the command and output templates.
type Entry struct {
	Key    string
	Fields map[string]string
}

// Builder turns an input collection into a Manifest. Expected output paths
// are computed deterministically from subject identity (no randomness, no
// timestamps) -- that determinism is what makes resume possible.
type Builder struct {
	CommandTemplate string
	OutputTemplate  string
	Resume          bool // omit entries whose expected output already exists
}

// Build constructs a manifest from the input collection. In resume mode,
// entries whose expected output is already on disk are omitted entirely,
// not marked as skipped. Unit IDs are assigned after omission so that the
// manifest file's line numbers and unit ordinals always agree.
func (b *Builder) Build(entries []Entry) (*Manifest, Counts, error) {
	counts := Counts{ExpectedTotal: len(entries)}
	m := &Manifest{}

	for _, e := range entries {
		output, err := Expand(b.OutputTemplate, e.Fields, false)
		if err != nil {
			return nil, Counts{}, fmt.Errorf("entry %q: %w", e.Key, err)
		}

		if b.Resume {
			if _, statErr := os.Stat(output); statErr == nil {
				counts.AlreadyDone++
				continue
			}
		}

		fields := withOutput(e.Fields, output)
		cmd, err := Expand(b.CommandTemplate, fields, true)
		if err != nil {
			return nil, Counts{}, fmt.Errorf("entry %q: %w", e.Key, err)
		}
		if strings.ContainsAny(cmd, "\n\r") {
			return nil, Counts{}, fmt.Errorf("entry %q: substituted command contains a newline, incompatible with the line-oriented manifest format", e.Key)
		}

		m.Units = append(m.Units, WorkUnit{
			ID:                 len(m.Units) + 1,
			Key:                e.Key,
			Command:            cmd,
			ExpectedOutputPath: output,
		})
	}

	counts.ToRun = len(m.Units)
	return m, counts, nil
}

// withOutput returns a copy of fields with the resolved output path added
// under the "output" key, without mutating the entry's own map.
func withOutput(fields map[string]string, output string) map[string]string {
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["output"] = output
	return out
}

// Expand substitutes {name} placeholders in a template with field values.
// Substitution is textual and single-pass: substituted values are never
// re-scanned for placeholders, so payload text cannot trigger a second round
// of expansion. When quote is true, values are shell-quoted so embedded
// whitespace and metacharacters survive the subprocess layer intact.
func Expand(template string, fields map[string]string, quote bool) (string, error) {
	var sb strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			return "", fmt.Errorf("unterminated placeholder in template %q", template)
		}
		close += open

		sb.WriteString(rest[:open])
		name := rest[open+1 : close]
		value, ok := fields[name]
		if !ok {
			return "", fmt.Errorf("template references unknown field {%s}", name)
		}
		if quote {
			sb.WriteString(shellQuote(value))
		} else {
			sb.WriteString(value)
		}
		rest = rest[close+1:]
	}
}

// shellQuote wraps a value in single quotes, escaping embedded single quotes
// with the standard '\'' sequence. The result is safe to splice into a
// command line that will be run under `sh -c`.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\"'`$\\!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
