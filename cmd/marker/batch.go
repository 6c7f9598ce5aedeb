package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajallooe/agentic-notebook-marker/internal/backend"
	"github.com/ajallooe/agentic-notebook-marker/internal/engine"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

// newBatchCommand runs one manifest as a standalone batch, without the stage
// orchestration layer. Useful for ad-hoc re-runs of a single stage's tasks
// file and for driving the engine from external scripts.
func newBatchCommand(pm *backend.ProcessManager, newLogger func() (*zap.Logger, error)) *cobra.Command {
	var (
		manifestPath   string
		logDir         string
		jobs           int
		backendName    string
		template       string
		retryTransient bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Execute a task manifest with bounded parallelism",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			if template != "" {
				manifestPath, err = expandTemplateManifest(manifestPath, template, logDir)
				if err != nil {
					return err
				}
			}

			res, err := engine.New(log, pm).Run(cmd.Context(), engine.Options{
				ManifestPath:    manifestPath,
				LogDir:          logDir,
				Jobs:            jobs,
				BackendOverride: backendName,
				RetryTransient:  retryTransient,
				Output:          os.Stdout,
			})
			if err != nil {
				return err
			}

			if res.Total > 0 {
				fmt.Fprintf(os.Stderr, "\n%d/%d units succeeded via %s backend\n",
					res.Succeeded, res.Total, res.Backend)
			}
			if res.ExitCode != 0 {
				fmt.Fprint(os.Stderr, res.Report.Render())
				return &exitCodeError{
					code: res.ExitCode,
					msg:  fmt.Sprintf("%d of %d units failed", res.Total-res.Succeeded, res.Total),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest file (one command per line)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for unit logs and the progress counter")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "max concurrent units (default 4)")
	cmd.Flags().StringVar(&backendName, "backend", backend.OverrideAuto,
		"dispatch backend: auto, parallel, xargs or sequential")
	cmd.Flags().StringVar(&template, "template",
		"", "treat manifest lines as payloads substituted for {payload} in this command template")
	cmd.Flags().BoolVar(&retryTransient, "retry-transient", false,
		"retry units whose failure classified as quota, network or timeout")
	_ = cmd.MarkFlagRequired("manifest")
	_ = cmd.MarkFlagRequired("log-dir")
	return cmd
}

// expandTemplateManifest turns a payload-per-line file into an executable
// manifest by substituting each payload into the command template. The
// substitution is textual and single-pass, with the payload shell-quoted so
// embedded whitespace survives the subprocess layer.
func expandTemplateManifest(payloadPath, template, logDir string) (string, error) {
	payloads, err := manifest.ReadCommands(payloadPath)
	if err != nil {
		return "", err
	}
	m := &manifest.Manifest{}
	for i, p := range payloads {
		cmd, err := manifest.Expand(template, map[string]string{"payload": p}, true)
		if err != nil {
			return "", err
		}
		m.Units = append(m.Units, manifest.WorkUnit{ID: i + 1, Command: cmd})
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", err
	}
	out := filepath.Join(logDir, "tasks.txt")
	if err := m.WriteFile(out); err != nil {
		return "", err
	}
	return out, nil
}
