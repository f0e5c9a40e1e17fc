package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run matches an ID or prefix.
var ErrNotFound = errors.New("run not found")

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Run is the persisted record of one execution request.
type Run struct {
	ID          string    `json:"id" yaml:"id"`
	Status      RunStatus `json:"status" yaml:"status"`
	Filename    string    `json:"filename" yaml:"filename"`
	Entrypoint  string    `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Provisioned bool      `json:"provisioned" yaml:"provisioned"`
	Outcome     string    `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	ExitCode    int       `json:"exit_code" yaml:"exit_code"`
	ErrorKind   string    `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	OutputURL   string    `json:"output_url,omitempty" yaml:"output_url,omitempty"`
	BundleURL   string    `json:"bundle_url,omitempty" yaml:"bundle_url,omitempty"`
	Workdir     string    `json:"workdir" yaml:"workdir"`
	Warnings    []string  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	DurationMS  int64     `json:"duration_ms" yaml:"duration_ms"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status RunStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for run history.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun overwrites every mutable field and bumps updated_at.
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a run record. The workspace on disk is untouched.
	DeleteRun(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
