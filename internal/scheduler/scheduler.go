// Package scheduler drives one job's steps through the execution backend in
// declared order, applying the failure policy and the timeout race. Steps of
// a job never run concurrently: they share the workspace and later steps may
// depend on earlier steps' filesystem side effects.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"runbox/internal/logger"
	"runbox/internal/policy"
	"runbox/internal/runtime"
	"runbox/internal/spec"
	"runbox/internal/workspace"
	"runbox/pkg/api"
)

// Outcome is the terminal state of a step.
type Outcome string

const (
	OutcomeSucceeded    Outcome = api.OutcomeSucceeded
	OutcomeFailed       Outcome = api.OutcomeFailed
	OutcomeTimedOut     Outcome = api.OutcomeTimedOut
	OutcomeLaunchFailed Outcome = api.OutcomeLaunchFailed
)

// StepResult is the recorded outcome of one executed step.
type StepResult struct {
	Name     string
	Outcome  Outcome
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// removeTimeout bounds the forced kill/remove of a container after the
// step's own context is already gone.
const removeTimeout = 10 * time.Second

// Scheduler executes jobs step by step against a Runtime.
type Scheduler struct {
	runtime runtime.Runtime
	policy  policy.Options
	log     *slog.Logger
}

// New creates a Scheduler.
func New(rt runtime.Runtime, policyOpts policy.Options, log *slog.Logger) *Scheduler {
	return &Scheduler{runtime: rt, policy: policyOpts, log: log}
}

// Run executes the job's steps in order and returns their results: always a
// prefix of the declared steps, shorter than the step list iff the pipeline
// aborted (stop-on-failure or cancellation). Every container started here is
// removed before Run returns, on every path.
func (s *Scheduler) Run(ctx context.Context, job *spec.Job, ws *workspace.Workspace) []StepResult {
	results := make([]StepResult, 0, len(job.Steps))

	for _, step := range job.Steps {
		if ctx.Err() != nil {
			// Cancelled between steps; remaining steps are skipped.
			break
		}

		res := s.runStep(ctx, job, step, ws)
		results = append(results, res)

		if ctx.Err() != nil {
			break
		}
		if res.Outcome != OutcomeSucceeded && job.StopOnFailure {
			break
		}
	}

	return results
}

func (s *Scheduler) runStep(ctx context.Context, job *spec.Job, step spec.Step, ws *workspace.Workspace) StepResult {
	log := logger.FromContext(ctx, s.log).With("step", step.Name)

	tracer := otel.Tracer("runbox-scheduler")
	ctx, span := tracer.Start(ctx, "run_step",
		trace.WithAttributes(
			attribute.String("step.name", step.Name),
			attribute.String("step.network", step.Network),
			attribute.Int("step.timeout_seconds", step.TimeoutSeconds),
		),
	)
	defer span.End()

	name := containerName(ws.JobID, step.Name)
	launch := policy.Build(job, step, ws, name, s.policy)

	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	handle, err := s.runtime.Start(stepCtx, launch)
	if err != nil {
		log.Error("step launch failed", "error", err)
		span.RecordError(err)
		return StepResult{
			Name:     step.Name,
			Outcome:  OutcomeLaunchFailed,
			ExitCode: api.ExitCodeLaunch,
			Stderr:   fmt.Sprintf("runner error: %v", err),
			Duration: time.Since(start),
		}
	}

	// The container must not outlive the step, whatever happens below.
	defer func() {
		removeCtx, removeCancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer removeCancel()
		if err := handle.Remove(removeCtx); err != nil {
			log.Error("container remove failed", "container", handle.ID(), "error", err)
		}
	}()

	log.Info("step running", "container", handle.ID(), "timeout", timeout)

	status, waitErr := handle.Wait(stepCtx)
	duration := time.Since(start)

	if waitErr != nil {
		// Deadline and external cancellation share one forced-termination
		// path: kill the container, then salvage whatever output it wrote.
		killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer killCancel()
		if err := handle.Kill(killCtx); err != nil {
			log.Error("container kill failed", "container", handle.ID(), "error", err)
		}
		stdout, stderr, _ := handle.Output(killCtx)

		if errors.Is(waitErr, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn("step timed out", "container", handle.ID(), "after", duration)
			span.SetAttributes(attribute.Bool("step.timed_out", true))
			return StepResult{
				Name:     step.Name,
				Outcome:  OutcomeTimedOut,
				ExitCode: api.ExitCodeTimeout,
				Stdout:   stdout,
				Stderr:   stderr + "\nTIMEOUT",
				Duration: duration,
			}
		}

		log.Warn("step cancelled", "container", handle.ID(), "error", waitErr)
		span.RecordError(waitErr)
		return StepResult{
			Name:     step.Name,
			Outcome:  OutcomeFailed,
			ExitCode: -1,
			Stdout:   stdout,
			Stderr:   stderr + "\nCANCELLED",
			Duration: duration,
		}
	}

	outCtx, outCancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer outCancel()
	stdout, stderr, err := handle.Output(outCtx)
	if err != nil {
		log.Error("output capture failed", "container", handle.ID(), "error", err)
	}

	outcome := OutcomeSucceeded
	if status.ExitCode != 0 {
		outcome = OutcomeFailed
	}
	span.SetAttributes(attribute.Int("step.exit_code", status.ExitCode))
	log.Info("step finished", "exit_code", status.ExitCode, "duration", duration)

	return StepResult{
		Name:     step.Name,
		Outcome:  outcome,
		ExitCode: status.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: duration,
	}
}

// containerName builds a unique, human-traceable container name per step
// attempt: job prefix, step prefix, random suffix.
func containerName(jobID, stepName string) string {
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}
	if len(stepName) > 10 {
		stepName = stepName[:10]
	}
	return fmt.Sprintf("runbox-%s-%s-%s", jobID, stepName, uuid.NewString()[:4])
}
