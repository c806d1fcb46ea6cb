// Package workspace manages the per-job scratch directory shared by all
// steps of one job. Each workspace is exclusively owned by a single job and
// destroyed unconditionally when the job ends.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Container-side mount points. Every step sees the same two paths.
const (
	MountWork   = "/workspace"
	MountOutput = "/output"
)

// Marker file seeded into the output directory so that even a job whose
// steps write nothing produces a non-empty artifact.
const markerFile = "_runner.txt"

// Manager allocates and destroys workspaces under a fixed jobs root.
type Manager struct {
	// LocalRoot is the jobs root as seen by this process.
	// HostRoot is the same directory as seen by the Docker daemon.
	// They differ only when the runner itself runs inside a container
	// (docker-in-docker with the daemon socket mounted in).
	LocalRoot string
	HostRoot  string
}

// NewManager creates a Manager and ensures the local jobs root exists.
func NewManager(localRoot, hostRoot string) (*Manager, error) {
	if hostRoot == "" {
		hostRoot = localRoot
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs root %s: %w", localRoot, err)
	}
	return &Manager{LocalRoot: localRoot, HostRoot: hostRoot}, nil
}

// Workspace is the scratch directory of one job.
type Workspace struct {
	JobID string

	// Local paths, usable by this process.
	Root      string
	WorkDir   string
	OutputDir string

	// Host-side paths, usable as Docker bind-mount sources.
	HostWorkDir   string
	HostOutputDir string
}

// Allocate creates a fresh workspace for the given job: an empty work
// directory and an output directory containing only the runner marker.
// The tree is world-writable so that the non-root sandbox user can write
// into directories created by this (possibly root) process.
func (m *Manager) Allocate(jobID string) (*Workspace, error) {
	root := filepath.Join(m.LocalRoot, "job-"+jobID)
	workDir := filepath.Join(root, "ws")
	outputDir := filepath.Join(root, "out")

	if err := os.Mkdir(root, 0o777); err != nil {
		return nil, fmt.Errorf("allocate workspace for job %s: %w", jobID, err)
	}
	for _, dir := range []string{workDir, outputDir} {
		if err := os.Mkdir(dir, 0o777); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("allocate workspace for job %s: %w", jobID, err)
		}
		// Mkdir applies the umask; the sandbox user still needs write.
		if err := os.Chmod(dir, 0o777); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("allocate workspace for job %s: %w", jobID, err)
		}
	}
	if err := os.Chmod(root, 0o777); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("allocate workspace for job %s: %w", jobID, err)
	}

	marker := filepath.Join(outputDir, markerFile)
	if err := os.WriteFile(marker, []byte("runner_ok=1\n"), 0o666); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("allocate workspace for job %s: %w", jobID, err)
	}

	hostRoot := filepath.Join(m.HostRoot, "job-"+jobID)
	return &Workspace{
		JobID:         jobID,
		Root:          root,
		WorkDir:       workDir,
		OutputDir:     outputDir,
		HostWorkDir:   filepath.Join(hostRoot, "ws"),
		HostOutputDir: filepath.Join(hostRoot, "out"),
	}, nil
}

// Destroy removes the workspace tree. It is safe to call on an already
// destroyed workspace.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("destroy workspace for job %s: %w", ws.JobID, err)
	}
	return nil
}
