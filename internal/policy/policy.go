// Package policy translates a step's declared intent (network posture,
// resource caps) into the concrete launch configuration the execution
// backend enforces. Build is pure: no I/O, deterministic for given inputs.
package policy

import (
	"fmt"
	"sort"

	"runbox/internal/runtime"
	"runbox/internal/spec"
	"runbox/internal/workspace"
)

// Options are the operator-level isolation settings.
type Options struct {
	// SandboxUser is the uid:gid every container runs as.
	SandboxUser string

	// TmpfsSizeMB sizes the /tmp scratch mount.
	TmpfsSizeMB int64

	// Defaults apply when neither the step nor the job sets a limit.
	Defaults spec.Resources

	// HardCaps are the operator ceilings every effective limit is
	// clamped to, whatever the job requested.
	HardCaps spec.Resources
}

// Build produces the launch configuration for one step. The step's command
// is an untrusted opaque payload; it is handed to the sandbox shell verbatim
// and never inspected here. name must be unique per step attempt and is
// chosen by the caller so that Build stays deterministic.
func Build(job *spec.Job, step spec.Step, ws *workspace.Workspace, name string, opts Options) runtime.LaunchSpec {
	limits := effectiveLimits(step.Limits, job.Limits, opts.Defaults, opts.HardCaps)

	script := "set -euo pipefail\n" + step.Command

	env := []string{
		"HOME=" + workspace.MountWork,
		"OUTPUT=" + workspace.MountOutput,
		"OUTPUT_DIR=" + workspace.MountOutput,
	}
	env = append(env, sortedEnv(step.Env)...)

	networkMode := "none"
	if step.Network == spec.NetworkEgress {
		networkMode = "bridge"
	}

	return runtime.LaunchSpec{
		Name:       name,
		Image:      job.Image,
		Entrypoint: []string{"bash", "-lc", script},
		Env:        env,
		User:       opts.SandboxUser,
		WorkDir:    workspace.MountWork,

		ReadOnlyRootfs: true,
		DropAllCaps:    true,
		NoNewPrivs:     true,
		PrivateIPC:     true,
		Init:           true,

		NetworkMode: networkMode,
		Binds: []string{
			ws.HostWorkDir + ":" + workspace.MountWork + ":rw",
			ws.HostOutputDir + ":" + workspace.MountOutput + ":rw",
		},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%dm", opts.TmpfsSizeMB),
		},

		NanoCPUs:    int64(limits.CPUs * 1e9),
		MemoryBytes: limits.MemoryMB << 20,
		PidsLimit:   limits.MaxPids,
	}
}

// effectiveLimits resolves each resource field independently: the step
// override wins over the job ceiling, which wins over the default; the
// result is clamped to the operator's hard cap.
func effectiveLimits(step, job, def, hard spec.Resources) spec.Resources {
	out := spec.Resources{
		CPUs:     pickFloat(step.CPUs, job.CPUs, def.CPUs),
		MemoryMB: pickInt(step.MemoryMB, job.MemoryMB, def.MemoryMB),
		MaxPids:  pickInt(step.MaxPids, job.MaxPids, def.MaxPids),
	}
	if hard.CPUs > 0 && out.CPUs > hard.CPUs {
		out.CPUs = hard.CPUs
	}
	if hard.MemoryMB > 0 && out.MemoryMB > hard.MemoryMB {
		out.MemoryMB = hard.MemoryMB
	}
	if hard.MaxPids > 0 && out.MaxPids > hard.MaxPids {
		out.MaxPids = hard.MaxPids
	}
	return out
}

func pickFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func pickInt(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func sortedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
