package sandbox

import (
	"context"
	"time"
)

// OutcomeKind tags which variant of Outcome holds.
type OutcomeKind string

const (
	Success     OutcomeKind = "success"
	Failure     OutcomeKind = "failure"
	TimedOut    OutcomeKind = "timed_out"
	LaunchError OutcomeKind = "launch_error"
)

// ExecOpts describes one execution of an entrypoint.
type ExecOpts struct {
	Interpreter string   // interpreter binary (name or path)
	Entrypoint  string   // script passed as the interpreter's first argument
	Args        []string // extra arguments after the entrypoint
	Dir         string   // working directory
	Env         []string // complete child environment
}

// Outcome is the result of one execution attempt. Exactly one Kind applies:
// Success carries Stdout; Failure carries Stdout, Stderr and ExitCode;
// TimedOut carries whatever output was captured before the kill; LaunchError
// carries Err.
type Outcome struct {
	Kind     OutcomeKind
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Duration time.Duration

	// Warnings lists resource limits that could not be applied.
	Warnings []string
}

// Sandbox runs an entrypoint under resource ceilings.
type Sandbox interface {
	Exec(ctx context.Context, opts ExecOpts) Outcome
}
