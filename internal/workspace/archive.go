package workspace

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

func openZip(data []byte) (*zip.Reader, bool) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) && zr != nil {
		// Still an archive; extract rejects the offending entries itself.
		return zr, true
	}
	if err != nil {
		return nil, false
	}
	return zr, true
}

// extract unpacks every entry of zr below root. Entries are validated before
// anything is written for them; the byte budget is enforced on the
// decompressed stream, not on the sizes the archive claims.
func (m *Manager) extract(root string, zr *zip.Reader) error {
	maxEntries := m.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if len(zr.File) > maxEntries {
		return fmt.Errorf("%w: %d entries, limit %d", ErrArchiveTooLarge, len(zr.File), maxEntries)
	}

	budget := m.MaxExtract
	if budget <= 0 {
		budget = defaultMaxExtract
	}

	for _, f := range zr.File {
		target, ok := resolveInside(root, f.Name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnsafeArchive, f.Name)
		}
		if target == root {
			continue
		}

		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("%w: symlink %q", ErrUnsafeArchive, f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return entryError("creating", f.Name, err)
			}
			continue
		case !mode.IsRegular():
			return fmt.Errorf("%w: special file %q", ErrUnsafeArchive, f.Name)
		}

		n, err := extractFile(f, target, budget)
		if err != nil {
			return err
		}
		budget -= n
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, entryError("creating parent of", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, entryError("creating", f.Name, err)
	}

	// Copy one byte past the budget to detect overflow.
	n, err := io.CopyN(out, rc, budget+1)
	closeErr := out.Close()
	if err != nil && err != io.EOF {
		return n, entryError("extracting", f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: more than %d bytes", ErrArchiveTooLarge, budget)
	}
	if closeErr != nil {
		return n, fmt.Errorf("writing %s: %w", f.Name, closeErr)
	}
	return n, nil
}

// entryError wraps a failure to materialize an archive entry. Failures caused
// by the archive itself, such as a file entry shadowing a directory entry or
// a corrupt stream, are reported as ErrInvalidArchive.
func entryError(op, name string, err error) error {
	var corrupt flate.CorruptInputError
	switch {
	case errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, fs.ErrExist),
		errors.Is(err, zip.ErrChecksum),
		errors.Is(err, zip.ErrFormat),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &corrupt):
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidArchive, op, name, err)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}
