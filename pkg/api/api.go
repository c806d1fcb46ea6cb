// Package api contains the shared JSON request/response structs for the
// runbox job submission API.
package api

// RunJobRequest is the request body for submitting a job.
//
// The command of each step is an opaque, untrusted shell payload. The engine
// never parses or rewrites it; it is handed verbatim to the sandbox image's
// shell. Do not attempt static validation of commands here.
type RunJobRequest struct {
	Steps []StepSpec `json:"steps"`

	// Image is the sandbox image every step of this job runs in.
	// Empty means the operator-configured default.
	Image string `json:"image,omitempty"`

	// StopOnFailure aborts the remaining pipeline after the first
	// non-succeeded step. Defaults to true when omitted.
	StopOnFailure *bool `json:"stop_on_failure,omitempty"`

	// ResourceLimits is the job-wide ceiling. Steps may override it,
	// clamped to the operator's hard caps.
	ResourceLimits *ResourceLimits `json:"resource_limits,omitempty"`
}

// StepSpec describes one step of a job.
type StepSpec struct {
	Name           string            `json:"name"`
	Command        string            `json:"command"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Network        string            `json:"network,omitempty"` // "none" (default) or "egress"
	Env            map[string]string `json:"env,omitempty"`
	ResourceLimits *ResourceLimits   `json:"resource_limits,omitempty"`
}

// ResourceLimits caps a step's container.
type ResourceLimits struct {
	CPUs     float64 `json:"cpus,omitempty"`
	MemoryMB int64   `json:"memory_mb,omitempty"`
	MaxPids  int64   `json:"max_pids,omitempty"`
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// RunJobResponse is the response body for a completed (possibly partially
// completed) job. It is returned for every accepted job, even when steps
// failed or the artifact could not be collected.
type RunJobResponse struct {
	JobID                 string       `json:"job_id"`
	Results               []StepResult `json:"results"`
	Status                string       `json:"status"` // "ok", "partial" or "failed"
	ArtifactArchiveBase64 string       `json:"artifact_archive_base64,omitempty"`
	ArtifactError         string       `json:"artifact_error,omitempty"`
}

// Job statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Step outcomes.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeFailed       = "failed"
	OutcomeTimedOut     = "timed_out"
	OutcomeLaunchFailed = "launch_failed"
)

// Sentinel exit codes reported alongside the non-exit outcomes.
const (
	ExitCodeTimeout = 124
	ExitCodeLaunch  = 999
)

// ErrorResponse is the standard error response format for rejected
// submissions (validation failures, admission-control backpressure).
type ErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// HealthResponse is returned by the health probe.
type HealthResponse struct {
	Status string `json:"status"`
}

// SelftestProbe is the result of probing one sandbox image.
type SelftestProbe struct {
	Image    string `json:"image"`
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SelftestResponse reports sandbox image availability.
// Status is "ok", "degraded" (some probes failed) or "error".
type SelftestResponse struct {
	Status    string                   `json:"status"`
	Sandboxes map[string]SelftestProbe `json:"sandboxes,omitempty"`
	Error     string                   `json:"error,omitempty"`
}
