// Package artifact packages a job's output directory into a zip archive.
package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// ErrTooLarge is returned when the packaged archive exceeds the configured
// ceiling. Collection fails outright rather than silently truncating.
var ErrTooLarge = errors.New("artifact archive exceeds size limit")

// Collector zips output directories.
type Collector struct {
	// LimitBytes caps the size of the produced archive.
	LimitBytes int64
}

// limitWriter rejects the write that would push the archive past the
// ceiling. Failing mid-copy keeps a job that dumps one huge file into the
// output directory from growing the runner's memory to the file's size
// before the limit fires.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int64
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.limit > 0 && int64(w.buf.Len())+int64(len(p)) > w.limit {
		return 0, ErrTooLarge
	}
	return w.buf.Write(p)
}

// Collect walks dir and packages every regular file into a zip archive,
// preserving relative paths. It is called exactly once per job, after the
// scheduler has finished and before the workspace is destroyed. The archive
// buffer never holds more than LimitBytes.
func (c *Collector) Collect(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&limitWriter{buf: &buf, limit: c.LimitBytes})
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(rel))
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
		zw.Close()
		if errors.Is(err, ErrTooLarge) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("collect artifacts from %s: %w", dir, err)
	}

	// Close writes the central directory, which can itself cross the limit.
	if err := zw.Close(); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("finalize artifact archive: %w", err)
	}
	return buf.Bytes(), nil
}
