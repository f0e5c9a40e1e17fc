package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders a run record as a markdown document.
func ExportMarkdown(r *Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	b.WriteString(fmt.Sprintf("- **Upload:** %s\n", r.Filename))
	if r.Entrypoint != "" {
		b.WriteString(fmt.Sprintf("- **Entrypoint:** %s\n", r.Entrypoint))
	}
	if r.Provisioned {
		b.WriteString("- **Dependencies:** installed\n")
	}
	if r.Outcome != "" {
		b.WriteString(fmt.Sprintf("- **Outcome:** %s (exit code %d)\n", r.Outcome, r.ExitCode))
	}
	b.WriteString(fmt.Sprintf("- **Duration:** %dms\n", r.DurationMS))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Workspace:** `%s`\n", r.Workdir))
	b.WriteString("\n---\n\n")

	if r.OutputURL != "" || r.BundleURL != "" {
		b.WriteString("## Artifacts\n\n")
		if r.OutputURL != "" {
			b.WriteString(fmt.Sprintf("- [output](%s)\n", r.OutputURL))
		}
		if r.BundleURL != "" {
			b.WriteString(fmt.Sprintf("- [bundle](%s)\n", r.BundleURL))
		}
		b.WriteString("\n")
	}

	if r.ErrorKind != "" {
		b.WriteString(fmt.Sprintf("## Error: %s\n\n```\n%s\n```\n\n", r.ErrorKind, r.ErrorDetail))
	}

	if len(r.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range r.Warnings {
			b.WriteString(fmt.Sprintf("- %s\n", w))
		}
	}

	return b.String()
}

// ExportJSON renders a run record as formatted JSON.
func ExportJSON(r *Run) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ExportYAML renders a run record as YAML.
func ExportYAML(r *Run) ([]byte, error) {
	return yaml.Marshal(r)
}
