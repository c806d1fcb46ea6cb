package selftest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"runbox/internal/runtime"
)

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selftest.yaml")
	content := `sandboxes:
  python:
    image: sandbox-python:latest
    probe: python -V
  go:
    image: sandbox-go:latest
    probe: go version
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if len(m.Sandboxes) != 2 {
		t.Fatalf("expected 2 sandboxes, got %d", len(m.Sandboxes))
	}
	if m.Sandboxes["python"].Image != "sandbox-python:latest" {
		t.Errorf("unexpected image: %s", m.Sandboxes["python"].Image)
	}
	if m.Sandboxes["go"].Command != "go version" {
		t.Errorf("unexpected probe: %s", m.Sandboxes["go"].Command)
	}
}

func TestLoadManifest_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("sandboxes: {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected error for empty manifest")
	}
}

func TestRun_AllProbesPass(t *testing.T) {
	fake := runtime.NewFake(
		runtime.FakeOutcome{ExitCode: 0, Stdout: "go version go1.23"},
		runtime.FakeOutcome{ExitCode: 0, Stdout: "Python 3.12"},
	)
	r := &Runner{Runtime: fake}
	m := &Manifest{Sandboxes: map[string]Probe{
		"go":     {Image: "sandbox-go:latest", Command: "go version"},
		"python": {Image: "sandbox-python:latest", Command: "python -V"},
	}}

	resp := r.Run(context.Background(), m)

	if resp.Status != "ok" {
		t.Errorf("expected ok, got %s", resp.Status)
	}
	if !resp.Sandboxes["go"].OK || !resp.Sandboxes["python"].OK {
		t.Errorf("expected all probes ok: %+v", resp.Sandboxes)
	}
	if fake.Live() != 0 {
		t.Errorf("selftest leaked containers: %d live", fake.Live())
	}
}

func TestRun_DegradedOnFailure(t *testing.T) {
	fake := runtime.NewFake(
		runtime.FakeOutcome{ExitCode: 0},
		runtime.FakeOutcome{LaunchErr: errors.New("image not found")},
	)
	r := &Runner{Runtime: fake}
	m := &Manifest{Sandboxes: map[string]Probe{
		"a": {Image: "a:latest", Command: "true"},
		"b": {Image: "b:latest", Command: "true"},
	}}

	resp := r.Run(context.Background(), m)

	if resp.Status != "degraded" {
		t.Errorf("expected degraded, got %s", resp.Status)
	}
	if !resp.Sandboxes["a"].OK {
		t.Errorf("probe a should pass: %+v", resp.Sandboxes["a"])
	}
	if resp.Sandboxes["b"].OK || resp.Sandboxes["b"].Error == "" {
		t.Errorf("probe b should fail with an error: %+v", resp.Sandboxes["b"])
	}
}

func TestRun_PreflightFailure(t *testing.T) {
	fake := runtime.NewFake()
	r := &Runner{
		Runtime:   fake,
		Preflight: func(context.Context) error { return errors.New("daemon unreachable") },
	}

	resp := r.Run(context.Background(), DefaultManifest())

	if resp.Status != "error" {
		t.Errorf("expected error status, got %s", resp.Status)
	}
	if len(fake.Started) != 0 {
		t.Errorf("no probes may run when preflight fails, %d started", len(fake.Started))
	}
}
