// Package spec turns a raw job submission into a validated, immutable job
// description. Validation happens once at the boundary; everything past this
// package may assume the job is well formed.
package spec

import (
	"fmt"
	"strings"

	"runbox/pkg/api"
)

// Network postures a step may declare.
const (
	NetworkNone   = "none"
	NetworkEgress = "egress"
)

// Resources is a resource ceiling for a container. Zero values mean
// "no override at this level".
type Resources struct {
	CPUs     float64
	MemoryMB int64
	MaxPids  int64
}

// Step is one validated step of a job.
type Step struct {
	Name           string
	Command        string
	TimeoutSeconds int
	Network        string
	Env            map[string]string
	Limits         Resources
}

// Job is a validated job description. It is constructed once by New and
// treated as immutable for the job's lifetime.
type Job struct {
	Image         string
	Steps         []Step
	StopOnFailure bool
	Limits        Resources
}

// Limits used by New to bound what a caller may request.
type Limits struct {
	// MaxStepTimeout bounds timeout_seconds of every step.
	MaxStepTimeout int
}

// ValidationError reports every offending field of a rejected job.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s", strings.Join(e.Fields, "; "))
}

// New validates req and builds the immutable Job. defaultImage is used when
// the request does not name a sandbox image. No side effects occur here; an
// invalid job allocates no workspace and no container.
func New(req *api.RunJobRequest, defaultImage string, lim Limits) (*Job, error) {
	var fields []string
	add := func(format string, args ...any) {
		fields = append(fields, fmt.Sprintf(format, args...))
	}

	if len(req.Steps) == 0 {
		add("steps: must not be empty")
	}

	seen := make(map[string]bool, len(req.Steps))
	steps := make([]Step, 0, len(req.Steps))
	for i, s := range req.Steps {
		ref := s.Name
		if ref == "" {
			ref = fmt.Sprintf("#%d", i)
		}

		if s.Name == "" {
			add("steps[%d].name: must not be empty", i)
		} else if seen[s.Name] {
			add("steps[%s].name: duplicate step name", ref)
		}
		seen[s.Name] = true

		if s.Command == "" {
			add("steps[%s].command: must not be empty", ref)
		}
		if s.TimeoutSeconds <= 0 {
			add("steps[%s].timeout_seconds: must be positive", ref)
		} else if lim.MaxStepTimeout > 0 && s.TimeoutSeconds > lim.MaxStepTimeout {
			add("steps[%s].timeout_seconds: exceeds maximum of %d", ref, lim.MaxStepTimeout)
		}

		network := s.Network
		if network == "" {
			network = NetworkNone
		}
		if network != NetworkNone && network != NetworkEgress {
			add("steps[%s].network: must be %q or %q", ref, NetworkNone, NetworkEgress)
		}

		for k := range s.Env {
			if k == "" || strings.Contains(k, "=") {
				add("steps[%s].env: invalid variable name %q", ref, k)
			}
		}

		limits, errs := resources(s.ResourceLimits)
		for _, msg := range errs {
			add("steps[%s].resource_limits.%s", ref, msg)
		}

		steps = append(steps, Step{
			Name:           s.Name,
			Command:        s.Command,
			TimeoutSeconds: s.TimeoutSeconds,
			Network:        network,
			Env:            s.Env,
			Limits:         limits,
		})
	}

	jobLimits, errs := resources(req.ResourceLimits)
	for _, msg := range errs {
		add("resource_limits.%s", msg)
	}

	image := req.Image
	if image == "" {
		image = defaultImage
	}
	if image == "" {
		add("image: no image requested and no default configured")
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	stopOnFailure := true
	if req.StopOnFailure != nil {
		stopOnFailure = *req.StopOnFailure
	}

	return &Job{
		Image:         image,
		Steps:         steps,
		StopOnFailure: stopOnFailure,
		Limits:        jobLimits,
	}, nil
}

func resources(rl *api.ResourceLimits) (Resources, []string) {
	if rl == nil {
		return Resources{}, nil
	}
	var errs []string
	if rl.CPUs < 0 {
		errs = append(errs, "cpus: must not be negative")
	}
	if rl.MemoryMB < 0 {
		errs = append(errs, "memory_mb: must not be negative")
	}
	if rl.MaxPids < 0 {
		errs = append(errs, "max_pids: must not be negative")
	}
	return Resources{CPUs: rl.CPUs, MemoryMB: rl.MemoryMB, MaxPids: rl.MaxPids}, errs
}
