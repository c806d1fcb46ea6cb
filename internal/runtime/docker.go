package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements Runtime using the Docker SDK. One instance is
// created at startup and shared by all jobs; the SDK client is safe for
// concurrent use.
type DockerRuntime struct {
	client      *client.Client
	pullPolicy  string // "always", "missing" or "never"
	outputLimit int64
}

// NewDockerRuntime creates the process-wide Docker runtime. The client is
// initialized from the standard environment variables (DOCKER_HOST, etc.).
func NewDockerRuntime(pullPolicy string, outputLimit int64) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{
		client:      cli,
		pullPolicy:  pullPolicy,
		outputLimit: outputLimit,
	}, nil
}

// Preflight fails fast when the runner cannot reach the Docker daemon, with
// a hint about the usual cause (socket not mounted into the runner).
func (d *DockerRuntime) Preflight(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w "+
			"(is /var/run/docker.sock mounted into the runner?)", err)
	}
	return nil
}

// Close releases the SDK client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// Start implements Runtime. All failures before the container is running
// are reported as *LaunchError.
func (d *DockerRuntime) Start(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, &LaunchError{Image: spec.Image, Err: err}
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Entrypoint,
		Env:        spec.Env,
		User:       spec.User,
		WorkingDir: spec.WorkDir,
	}

	hostCfg := &container.HostConfig{
		Binds:          spec.Binds,
		Tmpfs:          spec.Tmpfs,
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		NetworkMode:    container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	if spec.DropAllCaps {
		hostCfg.CapDrop = []string{"ALL"}
	}
	if spec.NoNewPrivs {
		hostCfg.SecurityOpt = []string{"no-new-privileges"}
	}
	if spec.PrivateIPC {
		hostCfg.IpcMode = container.IPCModeNone
	}
	if spec.Init {
		useInit := true
		hostCfg.Init = &useInit
	}

	created, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, &LaunchError{Image: spec.Image, Err: fmt.Errorf("create container: %w", err)}
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// The unit never ran; don't leak the created container.
		d.client.ContainerRemove(context.WithoutCancel(ctx), created.ID,
			container.RemoveOptions{Force: true})
		return nil, &LaunchError{Image: spec.Image, Err: fmt.Errorf("start container: %w", err)}
	}

	return &dockerHandle{
		client:      d.client,
		containerID: created.ID,
		outputLimit: d.outputLimit,
	}, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	switch d.pullPolicy {
	case "never":
		if _, err := d.client.ImageInspect(ctx, ref); err != nil {
			return fmt.Errorf("image not present locally: %w", err)
		}
		return nil
	case "missing":
		if _, err := d.client.ImageInspect(ctx, ref); err == nil {
			return nil
		}
	}

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	// The pull is complete when the progress stream ends.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// dockerHandle is one live container.
type dockerHandle struct {
	client      *client.Client
	containerID string
	outputLimit int64
}

func (h *dockerHandle) ID() string {
	if len(h.containerID) > 12 {
		return h.containerID[:12]
	}
	return h.containerID
}

// Wait blocks until the container exits or ctx is done. On ctx expiry the
// container keeps running; the caller must Kill it.
func (h *dockerHandle) Wait(ctx context.Context) (ExitStatus, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil {
			return ExitStatus{ExitCode: int(status.StatusCode)},
				fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return ExitStatus{ExitCode: int(status.StatusCode)}, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return ExitStatus{ExitCode: -1}, ctx.Err()
		}
		return ExitStatus{ExitCode: -1}, fmt.Errorf("container wait: %w", err)
	case <-ctx.Done():
		return ExitStatus{ExitCode: -1}, ctx.Err()
	}
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	err := h.client.ContainerKill(ctx, h.containerID, "KILL")
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	// Killing an already-exited container is not an error worth surfacing.
	if errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("kill container %s: %w", h.ID(), err)
}

// Output fetches the container's log stream and demultiplexes it into
// bounded stdout and stderr buffers.
func (h *dockerHandle) Output(ctx context.Context) (string, string, error) {
	rc, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs %s: %w", h.ID(), err)
	}
	defer rc.Close()

	stdout := newCappedBuffer(h.outputLimit)
	stderr := newCappedBuffer(h.outputLimit)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("read logs %s: %w", h.ID(), err)
	}
	return stdout.String(), stderr.String(), nil
}

func (h *dockerHandle) Remove(ctx context.Context) error {
	err := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	return fmt.Errorf("remove container %s: %w", h.ID(), err)
}

// cappedBuffer accepts at most max bytes and discards the rest, recording
// that truncation happened. It keeps a runaway process from growing the
// runner's memory without bound.
type cappedBuffer struct {
	max       int64
	n         int64
	truncated bool
	buf       bytes.Buffer
}

func newCappedBuffer(max int64) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.n
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.n = b.max
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	b.n += int64(len(p))
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + TruncationMarker
	}
	return b.buf.String()
}
