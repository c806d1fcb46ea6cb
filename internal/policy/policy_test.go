package policy

import (
	"reflect"
	"testing"

	"runbox/internal/spec"
	"runbox/internal/workspace"
)

func testOptions() Options {
	return Options{
		SandboxUser: "1000:1000",
		TmpfsSizeMB: 256,
		Defaults:    spec.Resources{CPUs: 1.0, MemoryMB: 1024, MaxPids: 256},
		HardCaps:    spec.Resources{CPUs: 2.0, MemoryMB: 2048, MaxPids: 512},
	}
}

func testWorkspace() *workspace.Workspace {
	return &workspace.Workspace{
		JobID:         "j1",
		HostWorkDir:   "/jobs/job-j1/ws",
		HostOutputDir: "/jobs/job-j1/out",
	}
}

func testJob(steps ...spec.Step) *spec.Job {
	return &spec.Job{Image: "sandbox:latest", Steps: steps, StopOnFailure: true}
}

func TestBuild_SecurityDefaults(t *testing.T) {
	step := spec.Step{Name: "s", Command: "true", TimeoutSeconds: 10, Network: spec.NetworkNone}
	ls := Build(testJob(step), step, testWorkspace(), "runbox-j1-s", testOptions())

	if !ls.ReadOnlyRootfs {
		t.Error("expected read-only rootfs")
	}
	if !ls.DropAllCaps {
		t.Error("expected all capabilities dropped")
	}
	if !ls.NoNewPrivs {
		t.Error("expected no-new-privileges")
	}
	if !ls.PrivateIPC {
		t.Error("expected private IPC")
	}
	if !ls.Init {
		t.Error("expected init process")
	}
	if ls.User != "1000:1000" {
		t.Errorf("expected non-root user, got %s", ls.User)
	}
	if ls.Tmpfs["/tmp"] != "rw,noexec,nosuid,size=256m" {
		t.Errorf("unexpected tmpfs options: %q", ls.Tmpfs["/tmp"])
	}
}

func TestBuild_NetworkModes(t *testing.T) {
	none := spec.Step{Name: "a", Command: "true", Network: spec.NetworkNone}
	egress := spec.Step{Name: "b", Command: "true", Network: spec.NetworkEgress}

	if ls := Build(testJob(none), none, testWorkspace(), "n", testOptions()); ls.NetworkMode != "none" {
		t.Errorf("expected network none, got %s", ls.NetworkMode)
	}
	if ls := Build(testJob(egress), egress, testWorkspace(), "n", testOptions()); ls.NetworkMode != "bridge" {
		t.Errorf("expected bridge for egress, got %s", ls.NetworkMode)
	}
}

func TestBuild_Mounts(t *testing.T) {
	step := spec.Step{Name: "s", Command: "true"}
	ls := Build(testJob(step), step, testWorkspace(), "n", testOptions())

	want := []string{
		"/jobs/job-j1/ws:/workspace:rw",
		"/jobs/job-j1/out:/output:rw",
	}
	if !reflect.DeepEqual(ls.Binds, want) {
		t.Errorf("unexpected binds: %v", ls.Binds)
	}
	if ls.WorkDir != "/workspace" {
		t.Errorf("expected workdir /workspace, got %s", ls.WorkDir)
	}
}

func TestBuild_CommandIsPassedVerbatim(t *testing.T) {
	payload := "rm -rf / ; echo $(curl evil) && `weird`"
	step := spec.Step{Name: "s", Command: payload}
	ls := Build(testJob(step), step, testWorkspace(), "n", testOptions())

	if len(ls.Entrypoint) != 3 || ls.Entrypoint[0] != "bash" || ls.Entrypoint[1] != "-lc" {
		t.Fatalf("unexpected entrypoint: %v", ls.Entrypoint)
	}
	if ls.Entrypoint[2] != "set -euo pipefail\n"+payload {
		t.Errorf("command was rewritten: %q", ls.Entrypoint[2])
	}
}

func TestBuild_DefaultLimits(t *testing.T) {
	step := spec.Step{Name: "s", Command: "true"}
	ls := Build(testJob(step), step, testWorkspace(), "n", testOptions())

	if ls.NanoCPUs != 1e9 {
		t.Errorf("expected 1 CPU default, got %d", ls.NanoCPUs)
	}
	if ls.MemoryBytes != 1024<<20 {
		t.Errorf("expected 1024 MiB default, got %d", ls.MemoryBytes)
	}
	if ls.PidsLimit != 256 {
		t.Errorf("expected 256 pids default, got %d", ls.PidsLimit)
	}
}

func TestBuild_StepOverrideWinsOverJobCeiling(t *testing.T) {
	step := spec.Step{Name: "s", Command: "true", Limits: spec.Resources{CPUs: 0.5}}
	job := testJob(step)
	job.Limits = spec.Resources{CPUs: 1.5, MemoryMB: 512}

	ls := Build(job, step, testWorkspace(), "n", testOptions())

	if ls.NanoCPUs != 5e8 {
		t.Errorf("expected step CPU override 0.5, got %d", ls.NanoCPUs)
	}
	if ls.MemoryBytes != 512<<20 {
		t.Errorf("expected job memory ceiling 512 MiB, got %d", ls.MemoryBytes)
	}
}

func TestBuild_ClampedToHardCaps(t *testing.T) {
	step := spec.Step{Name: "s", Command: "true",
		Limits: spec.Resources{CPUs: 64, MemoryMB: 1 << 20, MaxPids: 99999}}

	ls := Build(testJob(step), step, testWorkspace(), "n", testOptions())

	if ls.NanoCPUs != 2e9 {
		t.Errorf("expected clamp to 2 CPUs, got %d", ls.NanoCPUs)
	}
	if ls.MemoryBytes != 2048<<20 {
		t.Errorf("expected clamp to 2048 MiB, got %d", ls.MemoryBytes)
	}
	if ls.PidsLimit != 512 {
		t.Errorf("expected clamp to 512 pids, got %d", ls.PidsLimit)
	}
}

func TestBuild_EnvIsSortedAndPrefixed(t *testing.T) {
	step := spec.Step{Name: "s", Command: "true",
		Env: map[string]string{"ZED": "1", "ALPHA": "2"}}

	ls := Build(testJob(step), step, testWorkspace(), "n", testOptions())

	want := []string{
		"HOME=/workspace",
		"OUTPUT=/output",
		"OUTPUT_DIR=/output",
		"ALPHA=2",
		"ZED=1",
	}
	if !reflect.DeepEqual(ls.Env, want) {
		t.Errorf("unexpected env: %v", ls.Env)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	step := spec.Step{Name: "s", Command: "true",
		Env: map[string]string{"B": "2", "A": "1", "C": "3"}}
	job := testJob(step)
	ws := testWorkspace()

	first := Build(job, step, ws, "n", testOptions())
	for i := 0; i < 10; i++ {
		if got := Build(job, step, ws, "n", testOptions()); !reflect.DeepEqual(got, first) {
			t.Fatalf("Build is not deterministic: %v vs %v", got, first)
		}
	}
}
