// Package workspace provisions the per-run working directory: it stores the
// uploaded payload, unpacks archives safely and resolves the entrypoint.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrCollision is returned when a run directory already exists.
	ErrCollision = errors.New("workspace already exists")

	// ErrNoEntrypoint is returned when no runnable script can be found.
	ErrNoEntrypoint = errors.New("no entrypoint found")

	// ErrUnsafeArchive is returned for archive entries that would land
	// outside the workspace.
	ErrUnsafeArchive = errors.New("unsafe archive entry")

	// ErrArchiveTooLarge is returned when extraction exceeds the byte or
	// entry ceiling.
	ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")

	// ErrInvalidArchive is returned for archives that cannot be unpacked as
	// given: corrupt entries or entries that conflict with each other.
	ErrInvalidArchive = errors.New("invalid archive")
)

// Conventional entrypoint names, tried in order before falling back to the
// first script in the workspace root.
var conventionNames = []string{"main", "app"}

const (
	defaultScriptExt  = ".py"
	defaultMaxExtract = 512 << 20
	defaultMaxEntries = 10000
)

// Manager allocates workspaces under a base directory.
type Manager struct {
	BaseDir    string
	ScriptExt  string // extension of runnable scripts, e.g. ".py"
	MaxExtract int64  // total bytes written while unpacking an archive
	MaxEntries int    // number of entries accepted from one archive
}

// NewManager returns a Manager with default limits.
func NewManager(baseDir string) *Manager {
	return &Manager{
		BaseDir:    baseDir,
		ScriptExt:  defaultScriptExt,
		MaxExtract: defaultMaxExtract,
		MaxEntries: defaultMaxEntries,
	}
}

// Workspace is the exclusive directory of a single run.
type Workspace struct {
	RunID string
	Dir   string
}

// Create allocates a fresh directory named after runID.
func (m *Manager) Create(runID string) (*Workspace, error) {
	if runID == "" || runID != filepath.Base(runID) || strings.HasPrefix(runID, ".") {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	if err := os.MkdirAll(m.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating base dir: %w", err)
	}

	dir := filepath.Join(m.BaseDir, runID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrCollision, dir)
		}
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Workspace{RunID: runID, Dir: abs}, nil
}

// Populate writes the uploaded payload under its original file name. Zip
// payloads are unpacked into the workspace root and the archive itself is
// removed.
func (m *Manager) Populate(ws *Workspace, filename string, data []byte) error {
	name := sanitizeFilename(filename)
	path := filepath.Join(ws.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("saving upload: %w", err)
	}

	zr, ok := openZip(data)
	if !ok {
		return nil
	}

	// Drop the archive before unpacking so an entry sharing its name survives.
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing archive: %w", err)
	}
	return m.extract(ws.Dir, zr)
}

// ResolveEntrypoint picks the file to execute. An override is honored only
// when it names a regular file inside the workspace; otherwise main, app and
// finally the first script in lexical order are tried.
func (m *Manager) ResolveEntrypoint(ws *Workspace, override string) (string, error) {
	if override != "" {
		if p, ok := resolveInside(ws.Dir, override); ok && isRegular(p) {
			return p, nil
		}
	}

	ext := m.scriptExt()
	for _, name := range conventionNames {
		p := filepath.Join(ws.Dir, name+ext)
		if isRegular(p) {
			return p, nil
		}
	}

	// os.ReadDir returns entries sorted by filename.
	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		return "", fmt.Errorf("listing workspace: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		p := filepath.Join(ws.Dir, e.Name())
		if isRegular(p) {
			return p, nil
		}
	}
	return "", ErrNoEntrypoint
}

// Rel returns path relative to the workspace root, for display.
func (ws *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(ws.Dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (m *Manager) scriptExt() string {
	if m.ScriptExt == "" {
		return defaultScriptExt
	}
	return m.ScriptExt
}

func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean("/" + filepath.FromSlash(name)))
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return "upload"
	}
	return name
}

// resolveInside joins rel onto root and reports whether the result stays
// within root.
func resolveInside(root, rel string) (string, bool) {
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", false
	}
	p := filepath.Join(root, rel)
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

func isRegular(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode().IsRegular()
}
