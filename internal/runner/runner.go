// Package runner orchestrates one run: workspace provisioning, dependency
// installation, constrained execution, output normalization and artifact
// publishing. Stages run strictly in order and a failing stage stops the
// pipeline, except for failures of the user program itself, which become the
// run's output.
package runner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/deps"
	"github.com/michaelbrown/runbox/internal/log"
	"github.com/michaelbrown/runbox/internal/output"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/workspace"
)

// OutputFile is the local copy of the normalized output inside the workspace.
const OutputFile = "output.txt"

// NewRunID returns a random 128-bit identifier in hex.
func NewRunID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Provisioner prepares the interpreter environment for a workspace.
type Provisioner interface {
	Prepare(ctx context.Context, dir string) (deps.Env, error)
}

// Request is one submitted run.
type Request struct {
	Filename string // original upload name
	Data     []byte // script or zip archive
	Entry    string // optional entrypoint override, relative to the workspace
}

// Result describes a run whose artifacts were published.
type Result struct {
	RunID      string              `json:"run_id"`
	Status     string              `json:"status"`
	OutputURL  string              `json:"output_url"`
	BundleURL  string              `json:"bundle_url"`
	Entrypoint string              `json:"entrypoint"`
	Outcome    sandbox.OutcomeKind `json:"outcome"`
	ExitCode   int                 `json:"exit_code"`
	Warnings   []string            `json:"warnings,omitempty"`
	Duration   time.Duration       `json:"-"`
	DurationMS int64               `json:"duration_ms"`
}

// Options holds the run ceilings applied by the orchestrator.
type Options struct {
	Timeout        time.Duration // reported in timeout notices
	MaxOutputBytes int
}

// Option configures a Runner.
type Option func(*Runner)

// WithHistory records every run in store.
func WithHistory(store storage.Store) Option {
	return func(r *Runner) { r.history = store }
}

// WithEvents publishes lifecycle events to hub.
func WithEvents(hub *Hub) Option {
	return func(r *Runner) { r.events = hub }
}

// WithIDFunc overrides run ID generation.
func WithIDFunc(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

// Runner executes runs. It holds no per-run state and is safe for concurrent
// use; each run owns its workspace exclusively.
type Runner struct {
	opts       Options
	workspaces *workspace.Manager
	deps       Provisioner
	sandbox    sandbox.Sandbox
	publisher  *artifact.Publisher
	history    storage.Store
	events     *Hub
	newID      func() string
}

// New creates a Runner from explicitly constructed collaborators.
func New(
	opts Options,
	workspaces *workspace.Manager,
	provisioner Provisioner,
	sb sandbox.Sandbox,
	publisher *artifact.Publisher,
	options ...Option,
) *Runner {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = output.DefaultMaxBytes
	}
	r := &Runner{
		opts:       opts,
		workspaces: workspaces,
		deps:       provisioner,
		sandbox:    sb,
		publisher:  publisher,
		newID:      NewRunID,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Run executes req through the whole pipeline. Errors are *Error values.
// Cancelling ctx does not stop a run once started; the execution timeout is
// the only cancellation.
func (r *Runner) Run(ctx context.Context, req Request) (res *Result, err error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	runID := r.newID()

	rec := &storage.Run{ID: runID, Status: storage.StatusRunning, Filename: req.Filename}
	if r.history != nil {
		if herr := r.history.CreateRun(ctx, rec); herr != nil {
			log.Warnf("run %s: recording history: %v", runID, herr)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			err = &Error{
				Kind:   KindUnexpectedInternal,
				RunID:  runID,
				Detail: fmt.Sprintf("panic: %v\n%s", p, debug.Stack()),
			}
			res = nil
		}
		r.finish(ctx, rec, res, err, time.Since(start))
	}()

	r.emit(runID, StageCreated, req.Filename)
	res, err = r.run(ctx, runID, req, rec)
	if res != nil {
		res.Duration = time.Since(start)
		res.DurationMS = res.Duration.Milliseconds()
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, runID string, req Request, rec *storage.Run) (*Result, error) {
	if req.Data == nil {
		return nil, newError(KindInvalidRequest, runID, errors.New("no file uploaded"))
	}

	// Workspace
	ws, err := r.workspaces.Create(runID)
	if err != nil {
		if errors.Is(err, workspace.ErrCollision) {
			return nil, newError(KindWorkspaceCollision, runID, err)
		}
		return nil, newError(KindUnexpectedInternal, runID, err)
	}
	rec.Workdir = ws.Dir

	if err := r.workspaces.Populate(ws, req.Filename, req.Data); err != nil {
		if errors.Is(err, workspace.ErrUnsafeArchive) ||
			errors.Is(err, workspace.ErrArchiveTooLarge) ||
			errors.Is(err, workspace.ErrInvalidArchive) {
			return nil, newError(KindInvalidRequest, runID, err)
		}
		return nil, newError(KindUnexpectedInternal, runID, err)
	}

	entry, err := r.workspaces.ResolveEntrypoint(ws, req.Entry)
	if err != nil {
		if errors.Is(err, workspace.ErrNoEntrypoint) {
			return nil, newError(KindNoEntrypoint, runID, err)
		}
		return nil, newError(KindUnexpectedInternal, runID, err)
	}
	rec.Entrypoint = ws.Rel(entry)
	r.emit(runID, StageWorkspaceReady, rec.Entrypoint)
	log.Debugf("run %s: workspace %s, entrypoint %s", runID, ws.Dir, rec.Entrypoint)

	// Dependencies
	env, err := r.deps.Prepare(ctx, ws.Dir)
	if err != nil {
		var ie *deps.InstallError
		if errors.As(err, &ie) {
			return nil, newError(KindDependencyInstallFailed, runID, err)
		}
		return nil, newError(KindUnexpectedInternal, runID, err)
	}
	rec.Provisioned = env.Provisioned
	if env.Provisioned {
		r.emit(runID, StageDepsInstalled, env.VenvDir)
	}

	// Execution
	outcome := r.sandbox.Exec(ctx, sandbox.ExecOpts{
		Interpreter: env.Interpreter,
		Entrypoint:  entry,
		Dir:         ws.Dir,
		Env:         childEnv(ws.Dir, env),
	})
	rec.Outcome = string(outcome.Kind)
	rec.ExitCode = outcome.ExitCode
	rec.Warnings = outcome.Warnings
	r.emit(runID, StageExecuted, string(outcome.Kind))
	log.Debugf("run %s: %s in %v", runID, outcome.Kind, outcome.Duration)

	// Output
	text := output.Normalize(outcome, r.opts.Timeout, r.opts.MaxOutputBytes)
	if err := os.WriteFile(filepath.Join(ws.Dir, OutputFile), []byte(text), 0o644); err != nil {
		return nil, newError(KindUnexpectedInternal, runID, fmt.Errorf("writing output: %w", err))
	}

	// Publish
	arts, err := r.publisher.Publish(ctx, runID, text, ws.Dir)
	rec.OutputURL = arts.OutputURL
	rec.BundleURL = arts.BundleURL
	if err != nil {
		return nil, newError(KindPublishFailed, runID, err)
	}
	r.emit(runID, StagePublished, arts.OutputURL)

	return &Result{
		RunID:      runID,
		Status:     "done",
		OutputURL:  arts.OutputURL,
		BundleURL:  arts.BundleURL,
		Entrypoint: rec.Entrypoint,
		Outcome:    outcome.Kind,
		ExitCode:   outcome.ExitCode,
		Warnings:   outcome.Warnings,
	}, nil
}

func (r *Runner) finish(ctx context.Context, rec *storage.Run, res *Result, err error, elapsed time.Duration) {
	rec.DurationMS = elapsed.Milliseconds()
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = newError(KindUnexpectedInternal, rec.ID, err)
		}
		rec.Status = storage.StatusFailed
		rec.ErrorKind = string(e.Kind)
		rec.ErrorDetail = e.Detail
		r.emit(rec.ID, StageFailed, string(e.Kind))
		if e.Kind == KindUnexpectedInternal {
			log.Errorf("run %s: %v", rec.ID, err)
		} else {
			log.Infof("run %s failed: %s", rec.ID, e.Kind)
		}
	} else {
		rec.Status = storage.StatusCompleted
		log.Infof("run %s done: %s in %v", rec.ID, res.Outcome, elapsed)
	}

	if r.history != nil {
		if herr := r.history.UpdateRun(ctx, rec); herr != nil {
			log.Warnf("run %s: recording history: %v", rec.ID, herr)
		}
	}
}

func (r *Runner) emit(runID, stage, detail string) {
	if r.events == nil {
		return
	}
	r.events.Publish(Event{RunID: runID, Stage: stage, Detail: detail})
}

// childEnv builds the environment of the user program from the same minimal
// set the installer gets.
func childEnv(dir string, env deps.Env) []string {
	return append(env.Environ(dir), "PYTHONUNBUFFERED=1")
}
