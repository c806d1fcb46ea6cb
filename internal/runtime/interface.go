// Package runtime provides the execution backend: creating, waiting on,
// killing and removing one ephemeral container per step.
package runtime

import (
	"context"
	"fmt"
)

// Runtime creates execution units. The process holds exactly one Runtime,
// opened at startup and shared by all jobs.
type Runtime interface {
	// Start creates and starts one execution unit. Failures to launch
	// (daemon unreachable, image missing, config rejected) surface as
	// *LaunchError.
	Start(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// LaunchSpec is the concrete launch configuration for one step's container,
// produced by the policy package. It is backend-agnostic; the Docker
// implementation maps it onto container and host config.
type LaunchSpec struct {
	// Name is the container name, unique per step attempt.
	Name string

	// Image is the sandbox image to run.
	Image string

	// Entrypoint is the full command vector, shell included.
	Entrypoint []string

	// Env is the complete environment, "KEY=VALUE" form.
	Env []string

	// User is the uid:gid the container runs as.
	User string

	// WorkDir is the in-container working directory.
	WorkDir string

	// Isolation settings.
	ReadOnlyRootfs bool
	DropAllCaps    bool
	NoNewPrivs     bool
	PrivateIPC     bool
	Init           bool

	// NetworkMode is "none" or "bridge".
	NetworkMode string

	// Binds are host:container[:mode] bind mounts.
	Binds []string

	// Tmpfs maps mount points to tmpfs options.
	Tmpfs map[string]string

	// Resource ceilings. Zero means unlimited, which the policy layer
	// never produces.
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
}

// ExitStatus is the terminal state of an execution unit.
type ExitStatus struct {
	ExitCode int
}

// Handle is one live (or just-exited) execution unit. A handle is valid
// until Remove returns; no unit outlives its step.
type Handle interface {
	// ID identifies the unit for logging.
	ID() string

	// Wait blocks until the unit exits or ctx is done. A ctx error is
	// returned as-is so the scheduler can distinguish deadline from
	// cancellation; the unit keeps running and must be killed.
	Wait(ctx context.Context) (ExitStatus, error)

	// Kill forcibly terminates the unit. Safe to call after exit.
	Kill(ctx context.Context) error

	// Output returns the captured stdout and stderr, each capped at the
	// backend's configured byte ceiling with a truncation marker on
	// overflow. Valid after exit or kill, before Remove.
	Output(ctx context.Context) (stdout, stderr string, err error)

	// Remove deletes the unit. Idempotent; safe after Kill or natural
	// exit. After Remove the unit is no longer inspectable.
	Remove(ctx context.Context) error
}

// LaunchError marks failures to create or start an execution unit, as
// opposed to a unit that started and exited non-zero.
type LaunchError struct {
	Image string
	Err   error
}

func (e *LaunchError) Error() string {
	if e.Image != "" {
		return fmt.Sprintf("launch failed (image %s): %v", e.Image, e.Err)
	}
	return fmt.Sprintf("launch failed: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TruncationMarker is appended to captured output that hit the byte ceiling.
const TruncationMarker = "\n[truncated]"
