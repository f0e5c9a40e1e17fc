package main

import (
	"context"
	"fmt"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/artifact/s3"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/deps"
	"github.com/michaelbrown/runbox/internal/log"
	"github.com/michaelbrown/runbox/internal/runner"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
	"github.com/michaelbrown/runbox/internal/workspace"
)

// app bundles the collaborators every command builds from the config.
type app struct {
	cfg        *config.Config
	workspaces *workspace.Manager
	artifacts  artifact.Store
	history    storage.Store
	events     *runner.Hub
	runner     *runner.Runner
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	history, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	ws := workspace.NewManager(cfg.Runner.BaseDir)
	ws.MaxExtract = cfg.Runner.MaxExtractBytes
	ws.MaxEntries = cfg.Runner.MaxArchiveEntries

	launcher, err := sandbox.SelfLauncher()
	if err != nil {
		log.Warnf("resource limits disabled: %v", err)
		launcher = nil
	}
	sb := sandbox.NewLocalSandbox(sandbox.DefaultPolicy().WithTimeout(cfg.RunTimeout()), launcher)

	events := runner.NewHub()
	bootstrapper := deps.NewBootstrapper(cfg.Runner.Interpreter, cfg.Runner.Manifest)
	bootstrapper.Timeout = cfg.Runner.InstallTimeout

	r := runner.New(
		runner.Options{Timeout: cfg.RunTimeout(), MaxOutputBytes: cfg.Runner.MaxOutputBytes},
		ws,
		bootstrapper,
		sb,
		artifact.NewPublisher(artifacts, cfg.Runner.MaxBundleBytes),
		runner.WithHistory(history),
		runner.WithEvents(events),
	)

	return &app{
		cfg:        cfg,
		workspaces: ws,
		artifacts:  artifacts,
		history:    history,
		events:     events,
		runner:     r,
	}, nil
}

func (a *app) Close() error {
	a.events.CloseAll()
	return a.history.Close()
}

// newArtifactStore builds the configured object store. An s3 backend without
// a bucket falls back to process memory so the service can still be debugged
// locally.
func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	sc := cfg.Store
	if sc.Backend == "memory" {
		return artifact.NewMemoryStore(sc.PublicBaseURL), nil
	}
	if sc.Bucket == "" {
		log.Warnf("S3_BUCKET is not set; artifacts are kept in memory only")
		return artifact.NewMemoryStore(sc.PublicBaseURL), nil
	}
	if !cfg.HasStoreCredentials() {
		log.Infof("no static S3 credentials configured; using the default AWS credential chain")
	}

	store, err := s3.New(ctx,
		s3.WithBucket(sc.Bucket),
		s3.WithRegion(sc.Region),
		s3.WithEndpoint(sc.Endpoint),
		s3.WithCredentials(sc.AccessKeyID, sc.SecretAccessKey),
		s3.WithSessionToken(sc.SessionToken),
		s3.WithPathStyle(sc.UsePathStyle),
		s3.WithPublicBaseURL(sc.PublicBaseURL),
		s3.WithPresign(sc.PresignTTL),
		s3.WithRetries(sc.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("creating s3 store: %w", err)
	}
	return store, nil
}
