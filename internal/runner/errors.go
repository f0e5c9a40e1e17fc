package runner

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindUnauthorized            Kind = "unauthorized"
	KindInvalidRequest          Kind = "invalid_request"
	KindNoEntrypoint            Kind = "no_entrypoint"
	KindNotFound                Kind = "not_found"
	KindWorkspaceCollision      Kind = "workspace_collision"
	KindDependencyInstallFailed Kind = "dependency_install_failed"
	KindLaunchError             Kind = "launch_error"
	KindPublishFailed           Kind = "publish_failed"
	KindUnexpectedInternal      Kind = "unexpected_internal"
)

var kindMessages = map[Kind]string{
	KindUnauthorized:            "Unauthorized",
	KindInvalidRequest:          "Invalid request",
	KindNoEntrypoint:            "No Python entrypoint found (upload main.py or specify entry form field)",
	KindNotFound:                "Not found",
	KindWorkspaceCollision:      "Workspace already exists for this run",
	KindDependencyInstallFailed: "Dependency install or setup failed",
	KindLaunchError:             "Could not launch the program",
	KindPublishFailed:           "Publishing artifacts failed",
	KindUnexpectedInternal:      "Server Error",
}

// Message is the human-readable summary of k.
func (k Kind) Message() string {
	if m, ok := kindMessages[k]; ok {
		return m
	}
	return string(k)
}

// Error is a classified pipeline failure. Detail carries the diagnostic shown
// to the caller.
type Error struct {
	Kind   Kind
	RunID  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind.Message(), e.Detail)
	}
	return e.Kind.Message()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, runID string, err error) *Error {
	e := &Error{Kind: kind, RunID: runID, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// KindOf returns the Kind of err, or KindUnexpectedInternal for errors the
// pipeline did not classify.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpectedInternal
}
