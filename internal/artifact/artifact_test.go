package artifact

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func readArchive(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	files := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		files[f.Name] = string(content)
	}
	return files
}

func TestCollect_PackagesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hi.txt", "hi\n")
	writeFile(t, dir, "sub/nested.log", "nested")

	c := &Collector{LimitBytes: 1 << 20}
	data, err := c.Collect(dir)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	files := readArchive(t, data)
	if files["hi.txt"] != "hi\n" {
		t.Errorf("unexpected hi.txt content: %q", files["hi.txt"])
	}
	if files["sub/nested.log"] != "nested" {
		t.Errorf("expected nested path preserved, got %v", files)
	}
}

func TestCollect_EmptyDir(t *testing.T) {
	c := &Collector{LimitBytes: 1 << 20}
	data, err := c.Collect(t.TempDir())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if files := readArchive(t, data); len(files) != 0 {
		t.Errorf("expected empty archive, got %v", files)
	}
}

func TestCollect_TooLarge(t *testing.T) {
	dir := t.TempDir()
	// Random data does not compress; the archive will exceed the limit.
	blob := make([]byte, 4096)
	if _, err := rand.Read(blob); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), blob, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := &Collector{LimitBytes: 1024}
	_, err := c.Collect(dir)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestCollect_HugeFileFailsEarly(t *testing.T) {
	dir := t.TempDir()
	// One incompressible file far beyond the ceiling. The copy must abort
	// at the limit instead of buffering the whole file first.
	blob := make([]byte, 8<<20)
	if _, err := rand.Read(blob); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "huge.bin"), blob, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := &Collector{LimitBytes: 1024}
	_, err := c.Collect(dir)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestLimitWriter_RejectsWriteCrossingLimit(t *testing.T) {
	var buf bytes.Buffer
	w := &limitWriter{buf: &buf, limit: 10}

	if _, err := w.Write(make([]byte, 8)); err != nil {
		t.Fatalf("write under the limit failed: %v", err)
	}
	if _, err := w.Write(make([]byte, 8)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	// The offending write must not land; the buffer never exceeds the limit.
	if buf.Len() != 8 {
		t.Errorf("buffer holds %d bytes after rejected write, want 8", buf.Len())
	}
}

func TestCollect_MissingDir(t *testing.T) {
	c := &Collector{LimitBytes: 1 << 20}
	if _, err := c.Collect(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for unreadable output directory")
	}
}

func TestCollect_IdenticalContentAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha")
	writeFile(t, dir, "b.txt", "beta")

	c := &Collector{LimitBytes: 1 << 20}
	first, err := c.Collect(dir)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	second, err := c.Collect(dir)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if !equalContents(readArchive(t, first), readArchive(t, second)) {
		t.Error("archives of identical directories differ in content")
	}
}

func equalContents(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
