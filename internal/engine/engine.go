// Package engine accepts validated jobs and drives them to completion:
// admission control, workspace lifecycle, step scheduling, artifact
// collection and result aggregation.
package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"runbox/internal/artifact"
	"runbox/internal/logger"
	"runbox/internal/scheduler"
	"runbox/internal/spec"
	"runbox/internal/workspace"
	"runbox/pkg/api"
)

// ErrBusy signals that the admission-control ceiling is reached. The
// submission is rejected before any workspace or container exists; the
// caller must retry later.
var ErrBusy = errors.New("engine at capacity")

// JobResult is the aggregated outcome of one job.
type JobResult struct {
	JobID   string
	Results []scheduler.StepResult
	Status  string

	// Artifact is the zipped output directory, nil when collection
	// failed; ArtifactErr then records why. A collection failure never
	// invalidates the step results.
	Artifact    []byte
	ArtifactErr error
}

// Engine executes jobs. Safe for concurrent use; each job runs in the
// caller's goroutine, bounded by the admission semaphore.
type Engine struct {
	workspaces *workspace.Manager
	scheduler  *scheduler.Scheduler
	collector  *artifact.Collector
	sem        chan struct{}
	log        *slog.Logger

	jobsTotal   metric.Int64Counter
	stepsTotal  metric.Int64Counter
	jobsRunning metric.Int64UpDownCounter
	rejected    metric.Int64Counter
}

// New creates an Engine admitting at most maxConcurrentJobs jobs at once.
func New(ws *workspace.Manager, sched *scheduler.Scheduler, coll *artifact.Collector, maxConcurrentJobs int, log *slog.Logger) *Engine {
	meter := otel.Meter("runbox-engine")
	jobsTotal, _ := meter.Int64Counter("runbox.jobs.total",
		metric.WithDescription("Completed jobs by status"))
	stepsTotal, _ := meter.Int64Counter("runbox.steps.total",
		metric.WithDescription("Executed steps by outcome"))
	jobsRunning, _ := meter.Int64UpDownCounter("runbox.jobs.running",
		metric.WithDescription("Jobs currently executing"))
	rejected, _ := meter.Int64Counter("runbox.jobs.rejected.total",
		metric.WithDescription("Submissions rejected by admission control"))

	return &Engine{
		workspaces:  ws,
		scheduler:   sched,
		collector:   coll,
		sem:         make(chan struct{}, maxConcurrentJobs),
		log:         log,
		jobsTotal:   jobsTotal,
		stepsTotal:  stepsTotal,
		jobsRunning: jobsRunning,
		rejected:    rejected,
	}
}

// Run executes the job and returns its aggregated result. It returns ErrBusy
// without allocating anything when the engine is saturated. For every
// admitted job it returns a JobResult, even when steps failed or artifact
// collection did not succeed; the workspace is destroyed on every path.
func (e *Engine) Run(ctx context.Context, job *spec.Job) (*JobResult, error) {
	select {
	case e.sem <- struct{}{}:
	default:
		e.rejected.Add(ctx, 1)
		return nil, ErrBusy
	}
	defer func() { <-e.sem }()

	jobID := uuid.NewString()
	ctx = logger.WithJobID(ctx, jobID)
	log := logger.FromContext(ctx, e.log)

	tracer := otel.Tracer("runbox-engine")
	ctx, span := tracer.Start(ctx, "run_job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.image", job.Image),
			attribute.Int("job.steps", len(job.Steps)),
		),
	)
	defer span.End()

	e.jobsRunning.Add(ctx, 1)
	defer e.jobsRunning.Add(ctx, -1)

	log.Info("job admitted", "image", job.Image, "steps", len(job.Steps))

	ws, err := e.workspaces.Allocate(jobID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer func() {
		if err := e.workspaces.Destroy(ws); err != nil {
			log.Error("workspace destroy failed", "error", err)
		}
	}()

	results := e.scheduler.Run(ctx, job, ws)

	// Package the artifact exactly once, after workspace contents are
	// final and before the deferred destroy runs.
	archive, artifactErr := e.collector.Collect(ws.OutputDir)
	if artifactErr != nil {
		log.Error("artifact collection failed", "error", artifactErr)
		span.RecordError(artifactErr)
	}

	status := computeStatus(results, len(job.Steps))

	for _, r := range results {
		e.stepsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(r.Outcome))))
	}
	e.jobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status)))
	span.SetAttributes(attribute.String("job.status", status))
	log.Info("job finished", "status", status, "results", len(results))

	return &JobResult{
		JobID:       jobID,
		Results:     results,
		Status:      status,
		Artifact:    archive,
		ArtifactErr: artifactErr,
	}, nil
}

// computeStatus derives the overall job status: ok when every declared step
// succeeded, failed when nothing succeeded, partial otherwise.
func computeStatus(results []scheduler.StepResult, declared int) string {
	succeeded := 0
	for _, r := range results {
		if r.Outcome == scheduler.OutcomeSucceeded {
			succeeded++
		}
	}
	switch {
	case succeeded == declared && len(results) == declared:
		return api.StatusOK
	case succeeded == 0:
		return api.StatusFailed
	default:
		return api.StatusPartial
	}
}
