// Package config loads operator configuration from a YAML file and
// RUNBOX_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the runner daemon.
type Config struct {
	// Address the HTTP API listens on.
	ListenAddr string

	// JobsRootLocal is where this process creates per-job workspaces.
	// JobsRootHost is where the Docker daemon sees the same directory;
	// it differs from JobsRootLocal only when the runner itself runs in
	// a container with the daemon's socket mounted in.
	JobsRootLocal string
	JobsRootHost  string

	// DefaultImage is the sandbox image used when a job names none.
	DefaultImage string

	// PullPolicy is one of "always", "missing" or "never".
	PullPolicy string

	// MaxStepTimeout bounds the timeout_seconds of any step.
	MaxStepTimeout time.Duration

	// MaxConcurrentJobs is the admission-control ceiling. Submissions
	// beyond it are rejected immediately, never queued.
	MaxConcurrentJobs int

	// OutputLimitBytes caps captured stdout/stderr per step.
	OutputLimitBytes int64

	// ArtifactLimitBytes caps the packaged artifact archive.
	ArtifactLimitBytes int64

	// Hard per-container caps. Job and step limits are clamped to these.
	MaxCPUs     float64
	MaxMemoryMB int64
	MaxPids     int64

	// Defaults applied when neither the job nor the step sets a limit.
	DefaultCPUs     float64
	DefaultMemoryMB int64
	DefaultPids     int64

	// TmpfsSizeMB sizes the noexec /tmp scratch mount.
	TmpfsSizeMB int64

	// SandboxUser is the uid:gid containers run as.
	SandboxUser string

	// RateLimitRPS and RateLimitBurst throttle job submissions.
	// Zero RPS disables the limiter.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTELEndpoint is the OTLP gRPC collector address. Empty disables
	// trace export.
	OTELEndpoint string

	// SelftestManifest is the path to the sandbox-image selftest YAML.
	SelftestManifest string
}

// Load reads configuration from the given file (optional) and from
// RUNBOX_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("jobs_root", "/var/lib/runbox/jobs")
	v.SetDefault("jobs_root_host", "")
	v.SetDefault("default_image", "runbox-sandbox-utils:latest")
	v.SetDefault("pull_policy", "missing")
	v.SetDefault("max_step_timeout", "10m")
	v.SetDefault("max_concurrent_jobs", 4)
	v.SetDefault("output_limit_bytes", 1<<20)
	v.SetDefault("artifact_limit_bytes", 64<<20)
	v.SetDefault("max_cpus", 2.0)
	v.SetDefault("max_memory_mb", 2048)
	v.SetDefault("max_pids", 512)
	v.SetDefault("default_cpus", 1.0)
	v.SetDefault("default_memory_mb", 1024)
	v.SetDefault("default_pids", 256)
	v.SetDefault("tmpfs_size_mb", 256)
	v.SetDefault("sandbox_user", "1000:1000")
	v.SetDefault("rate_limit_rps", 0.0)
	v.SetDefault("rate_limit_burst", 10)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("selftest_manifest", "")

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		ListenAddr:         v.GetString("listen_addr"),
		JobsRootLocal:      v.GetString("jobs_root"),
		JobsRootHost:       v.GetString("jobs_root_host"),
		DefaultImage:       v.GetString("default_image"),
		PullPolicy:         v.GetString("pull_policy"),
		MaxStepTimeout:     v.GetDuration("max_step_timeout"),
		MaxConcurrentJobs:  v.GetInt("max_concurrent_jobs"),
		OutputLimitBytes:   v.GetInt64("output_limit_bytes"),
		ArtifactLimitBytes: v.GetInt64("artifact_limit_bytes"),
		MaxCPUs:            v.GetFloat64("max_cpus"),
		MaxMemoryMB:        v.GetInt64("max_memory_mb"),
		MaxPids:            v.GetInt64("max_pids"),
		DefaultCPUs:        v.GetFloat64("default_cpus"),
		DefaultMemoryMB:    v.GetInt64("default_memory_mb"),
		DefaultPids:        v.GetInt64("default_pids"),
		TmpfsSizeMB:        v.GetInt64("tmpfs_size_mb"),
		SandboxUser:        v.GetString("sandbox_user"),
		RateLimitRPS:       v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:     v.GetInt("rate_limit_burst"),
		OTELEndpoint:       v.GetString("otel_endpoint"),
		SelftestManifest:   v.GetString("selftest_manifest"),
	}

	if cfg.JobsRootHost == "" {
		// Not running docker-in-docker; the daemon sees our paths as-is.
		cfg.JobsRootHost = cfg.JobsRootLocal
	}

	switch cfg.PullPolicy {
	case "always", "missing", "never":
	default:
		return nil, fmt.Errorf("invalid pull_policy %q (want always, missing or never)", cfg.PullPolicy)
	}

	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("max_concurrent_jobs must be positive, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.MaxStepTimeout <= 0 {
		return nil, fmt.Errorf("max_step_timeout must be positive, got %v", cfg.MaxStepTimeout)
	}
	if cfg.OutputLimitBytes <= 0 {
		return nil, fmt.Errorf("output_limit_bytes must be positive, got %d", cfg.OutputLimitBytes)
	}
	if cfg.ArtifactLimitBytes <= 0 {
		return nil, fmt.Errorf("artifact_limit_bytes must be positive, got %d", cfg.ArtifactLimitBytes)
	}

	return cfg, nil
}
