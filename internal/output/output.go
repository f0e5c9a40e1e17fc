// Package output renders an execution outcome as the single text artifact
// stored for a run.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

// TruncationMarker is appended to output cut at the byte ceiling.
const TruncationMarker = "\n\n...OUTPUT_TRUNCATED..."

// DefaultMaxBytes is the output ceiling when none is configured.
const DefaultMaxBytes = 200000

// Render maps an outcome to its canonical text. Successful runs yield stdout
// verbatim; every other kind is labelled so a reader can tell what happened.
func Render(o sandbox.Outcome, timeout time.Duration) string {
	switch o.Kind {
	case sandbox.Success:
		return o.Stdout
	case sandbox.Failure:
		var b strings.Builder
		b.WriteString("=== STDOUT ===\n")
		b.WriteString(o.Stdout)
		b.WriteString("\n\n=== STDERR ===\n")
		b.WriteString(o.Stderr)
		fmt.Fprintf(&b, "\n\nExitCode: %d", o.ExitCode)
		return b.String()
	case sandbox.TimedOut:
		return fmt.Sprintf("TimeoutExpired: exceeded %s seconds.\nPartial output:\n%s\n%s",
			formatSeconds(timeout), o.Stdout, o.Stderr)
	case sandbox.LaunchError:
		cause := "unknown error"
		if o.Err != nil {
			cause = o.Err.Error()
		}
		return "Exception during run:\n" + cause
	default:
		return fmt.Sprintf("Exception during run:\nunknown outcome %q", o.Kind)
	}
}

// Truncate cuts text to exactly max bytes and appends TruncationMarker when
// text is longer than max. The cut is byte-exact and may split a multi-byte
// character.
func Truncate(text string, max int) string {
	if max < 0 || len(text) <= max {
		return text
	}
	return text[:max] + TruncationMarker
}

// Normalize renders o and applies the byte ceiling.
func Normalize(o sandbox.Outcome, timeout time.Duration, max int) string {
	return Truncate(Render(o, timeout), max)
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d", int64(d/time.Second))
	}
	return fmt.Sprintf("%g", d.Seconds())
}
