// Package selftest probes the configured sandbox images through the
// execution backend so operators can verify the runner before accepting
// jobs.
package selftest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"runbox/internal/runtime"
	"runbox/pkg/api"
)

// Probe describes how to verify one sandbox image.
type Probe struct {
	Image   string `yaml:"image"`
	Command string `yaml:"probe"`
}

// Manifest lists the sandbox images to verify.
type Manifest struct {
	Sandboxes map[string]Probe `yaml:"sandboxes"`
}

// LoadManifest reads a selftest manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read selftest manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse selftest manifest %s: %w", path, err)
	}
	if len(m.Sandboxes) == 0 {
		return nil, fmt.Errorf("selftest manifest %s lists no sandboxes", path)
	}
	return &m, nil
}

// DefaultManifest covers the standard sandbox image set.
func DefaultManifest() *Manifest {
	return &Manifest{Sandboxes: map[string]Probe{
		"utils":  {Image: "runbox-sandbox-utils:latest", Command: "command -v git && command -v rg && echo OK"},
		"python": {Image: "runbox-sandbox-python:latest", Command: "python -V && pip -V && echo OK"},
		"node":   {Image: "runbox-sandbox-node:latest", Command: "node -v && npm -v && echo OK"},
		"go":     {Image: "runbox-sandbox-go:latest", Command: "go version && echo OK"},
		"rust":   {Image: "runbox-sandbox-rust:latest", Command: "rustc -V && cargo -V && echo OK"},
	}}
}

// Runner executes selftest probes.
type Runner struct {
	Runtime runtime.Runtime

	// Preflight, when set, is checked before any probe runs; a failure
	// yields an "error" status without starting containers.
	Preflight func(ctx context.Context) error

	// ProbeTimeout bounds each probe. Zero means 30 seconds.
	ProbeTimeout time.Duration
}

// Run probes every sandbox in the manifest. The overall status is "ok" when
// all probes pass, "degraded" when some fail, "error" when the backend is
// unreachable.
func (r *Runner) Run(ctx context.Context, m *Manifest) api.SelftestResponse {
	if r.Preflight != nil {
		if err := r.Preflight(ctx); err != nil {
			return api.SelftestResponse{Status: "error", Error: err.Error()}
		}
	}

	timeout := r.ProbeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	resp := api.SelftestResponse{
		Status:    "ok",
		Sandboxes: make(map[string]api.SelftestProbe, len(m.Sandboxes)),
	}

	// Deterministic probe order keeps logs and fake-backed tests stable.
	names := make([]string, 0, len(m.Sandboxes))
	for name := range m.Sandboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		probe := m.Sandboxes[name]
		result := r.runProbe(ctx, name, probe, timeout)
		resp.Sandboxes[name] = result
		if !result.OK {
			resp.Status = "degraded"
		}
	}
	return resp
}

func (r *Runner) runProbe(ctx context.Context, name string, probe Probe, timeout time.Duration) api.SelftestProbe {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := r.Runtime.Start(probeCtx, runtime.LaunchSpec{
		Name:        "runbox-selftest-" + name,
		Image:       probe.Image,
		Entrypoint:  []string{"bash", "-lc", probe.Command},
		NetworkMode: "none",
		Init:        true,
	})
	if err != nil {
		return api.SelftestProbe{Image: probe.Image, OK: false, Error: err.Error()}
	}
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer removeCancel()
		handle.Remove(removeCtx)
	}()

	status, err := handle.Wait(probeCtx)
	if err != nil {
		handle.Kill(context.WithoutCancel(ctx))
		return api.SelftestProbe{Image: probe.Image, OK: false, Error: err.Error()}
	}

	stdout, stderr, _ := handle.Output(probeCtx)
	return api.SelftestProbe{
		Image:    probe.Image,
		OK:       status.ExitCode == 0,
		ExitCode: status.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}
