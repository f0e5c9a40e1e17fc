package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/michaelbrown/runbox/internal/log"
)

const (
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeZip  = "application/zip"
)

// OutputKey is the object key of a run's output text.
func OutputKey(runID string) string { return "outputs/" + runID + ".txt" }

// BundleKey is the object key of a run's workspace snapshot.
func BundleKey(runID string) string { return "bundles/" + runID + ".zip" }

// PublishError reports the artifact that failed to upload. Published lists
// the artifacts stored before the failure, keyed by object key.
type PublishError struct {
	Key       string
	Err       error
	Published map[string]string
}

func (e *PublishError) Error() string {
	msg := fmt.Sprintf("publishing %s: %v", e.Key, e.Err)
	if len(e.Published) > 0 {
		keys := make([]string, 0, len(e.Published))
		for k := range e.Published {
			keys = append(keys, k)
		}
		msg += " (already stored: " + strings.Join(keys, ", ") + ")"
	}
	return msg
}

func (e *PublishError) Unwrap() error { return e.Err }

// Artifacts holds the addresses of a run's published artifacts.
type Artifacts struct {
	OutputURL string
	BundleURL string
}

// Publisher uploads run artifacts to a Store. Bundles are staged in a
// temporary file outside the workspace, so they are never held in memory
// when the store implements FileStore.
type Publisher struct {
	Store          Store
	MaxBundleBytes int64  // 0 = unbounded
	TempDir        string // staging directory for bundles; "" = os.TempDir()
}

// NewPublisher creates a Publisher backed by store.
func NewPublisher(store Store, maxBundleBytes int64) *Publisher {
	return &Publisher{Store: store, MaxBundleBytes: maxBundleBytes}
}

// Publish uploads the output text, then snapshots dir and uploads the zip.
// It stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, runID, output, dir string) (Artifacts, error) {
	var a Artifacts
	published := map[string]string{}

	outKey := OutputKey(runID)
	url, err := p.Store.Put(ctx, outKey, []byte(output), ContentTypeText)
	if err != nil {
		return a, &PublishError{Key: outKey, Err: err}
	}
	a.OutputURL = url
	published[outKey] = url
	log.Debugf("artifact: stored %s (%d bytes)", outKey, len(output))

	bundleKey := BundleKey(runID)
	url, size, err := p.putBundle(ctx, bundleKey, dir)
	if err != nil {
		return a, &PublishError{Key: bundleKey, Err: err, Published: published}
	}
	a.BundleURL = url
	log.Debugf("artifact: stored %s (%d bytes)", bundleKey, size)

	return a, nil
}

func (p *Publisher) putBundle(ctx context.Context, key, dir string) (string, int64, error) {
	f, err := os.CreateTemp(p.TempDir, "runbox-bundle-*.zip")
	if err != nil {
		return "", 0, fmt.Errorf("staging bundle: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := WriteSnapshot(f, dir, p.MaxBundleBytes); err != nil {
		return "", 0, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}

	if fs, ok := p.Store.(FileStore); ok {
		url, err := fs.PutFile(ctx, key, f, ContentTypeZip)
		return url, size, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", 0, err
	}
	url, err := p.Store.Put(ctx, key, data, ContentTypeZip)
	return url, size, err
}
