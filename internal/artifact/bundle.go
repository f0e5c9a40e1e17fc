package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrBundleTooLarge is returned when a workspace exceeds the bundle ceiling.
var ErrBundleTooLarge = errors.New("workspace exceeds bundle size limit")

// WriteSnapshot zips every file under dir into w, paths relative to dir.
// Symlinks are stored as links, not followed. A positive maxBytes caps the
// total size of the files read.
func WriteSnapshot(w io.Writer, dir string, maxBytes int64) error {
	zw := zip.NewWriter(w)
	var total int64

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
			hdr.Method = zip.Store
			_, err := zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			w, err := zw.CreateHeader(hdr)
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, target)
			return err
		case !info.Mode().IsRegular():
			// Sockets, fifos and devices have no content to archive.
			return nil
		}

		total += info.Size()
		if maxBytes > 0 && total > maxBytes {
			return fmt.Errorf("%w: more than %d bytes", ErrBundleTooLarge, maxBytes)
		}

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}
