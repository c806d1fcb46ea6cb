package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"runbox/internal/engine"
	"runbox/internal/spec"
	"runbox/pkg/api"
)

// handlers holds the HTTP handlers and their dependencies.
type handlers struct {
	engine       *engine.Engine
	defaultImage string
	limits       spec.Limits
	ready        func(ctx context.Context) error
	selftest     func(ctx context.Context) api.SelftestResponse
	log          *slog.Logger
}

// RunJob handles POST /run. Validation and admission failures are the only
// transport-level errors; every admitted job answers with a structured
// RunJobResponse, however its steps fared.
func (h *handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RunJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	job, err := spec.New(&req, h.defaultImage, h.limits)
	if err != nil {
		var verr *spec.ValidationError
		if errors.As(err, &verr) {
			h.httpError(w, "Invalid job", http.StatusBadRequest, verr.Fields)
			return
		}
		h.httpError(w, "Invalid job", http.StatusBadRequest, nil)
		return
	}

	result, err := h.engine.Run(ctx, job)
	if err != nil {
		if errors.Is(err, engine.ErrBusy) {
			w.Header().Set("Retry-After", "1")
			h.httpError(w, "Engine at capacity, retry later", http.StatusTooManyRequests, nil)
			return
		}
		h.log.Error("job execution failed", "error", err)
		h.httpError(w, "Internal error", http.StatusInternalServerError, nil)
		return
	}

	resp := api.RunJobResponse{
		JobID:   result.JobID,
		Status:  result.Status,
		Results: make([]api.StepResult, 0, len(result.Results)),
	}
	for _, sr := range result.Results {
		resp.Results = append(resp.Results, api.StepResult{
			Name:       sr.Name,
			Outcome:    string(sr.Outcome),
			ExitCode:   sr.ExitCode,
			Stdout:     sr.Stdout,
			Stderr:     sr.Stderr,
			DurationMS: sr.Duration.Milliseconds(),
		})
	}
	if result.Artifact != nil {
		resp.ArtifactArchiveBase64 = base64.StdEncoding.EncodeToString(result.Artifact)
	}
	if result.ArtifactErr != nil {
		resp.ArtifactError = result.ArtifactErr.Error()
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// Healthz is a stateless liveness probe with no side effects.
func (h *handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

// Readyz reports whether the execution backend is reachable.
func (h *handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.httpError(w, err.Error(), http.StatusServiceUnavailable, nil)
			return
		}
	}
	h.respondJSON(w, http.StatusOK, api.HealthResponse{Status: "ready"})
}

// Selftest handles GET /selftest.
func (h *handlers) Selftest(w http.ResponseWriter, r *http.Request) {
	resp := h.selftest(r.Context())
	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, resp)
}

func (h *handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *handlers) httpError(w http.ResponseWriter, message string, code int, fields []string) {
	h.respondJSON(w, code, api.ErrorResponse{
		Error:  message,
		Code:   strconv.Itoa(code),
		Fields: fields,
	})
}
