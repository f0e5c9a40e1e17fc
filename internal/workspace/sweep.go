package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/runbox/internal/log"
)

// Sweep removes run directories last modified before now-olderThan and
// returns the IDs of the removed runs. A missing base directory is not an
// error.
func (m *Manager) Sweep(olderThan time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", m.BaseDir, err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.BaseDir, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", e.Name(), err))
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errors.Join(errs...)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.Sweep(retention)
			if err != nil {
				log.Warnf("workspace sweep: %v", err)
			}
			if len(removed) > 0 {
				log.Infof("workspace sweep removed %d run(s)", len(removed))
			}
		}
	}
}
