// Package server exposes the job execution engine over HTTP: job
// submission, health and readiness probes, metrics and the sandbox
// selftest.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"runbox/internal/engine"
	"runbox/internal/spec"
	"runbox/pkg/api"
)

// Deps are the collaborators the server wires together.
type Deps struct {
	Engine *engine.Engine

	// DefaultImage and SpecLimits parameterize job validation.
	DefaultImage string
	SpecLimits   spec.Limits

	// Ready checks the execution backend for the readiness probe.
	Ready func(ctx context.Context) error

	// Selftest probes the sandbox images. Optional.
	Selftest func(ctx context.Context) api.SelftestResponse

	// Metrics serves the Prometheus scrape endpoint. Optional.
	Metrics http.Handler

	// RateLimitRPS/Burst throttle job submissions. Zero RPS disables.
	RateLimitRPS   float64
	RateLimitBurst int

	Log *slog.Logger
}

// Server is the HTTP server for the runner API.
type Server struct {
	httpServer *http.Server
}

// New creates the runner HTTP server.
func New(addr string, deps Deps) *Server {
	h := &handlers{
		engine:       deps.Engine,
		defaultImage: deps.DefaultImage,
		limits:       deps.SpecLimits,
		ready:        deps.Ready,
		selftest:     deps.Selftest,
		log:          deps.Log,
	}

	mux := http.NewServeMux()

	mux.Handle("POST /run", rateLimit(deps.RateLimitRPS, deps.RateLimitBurst,
		http.HandlerFunc(h.RunJob)))
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if deps.Selftest != nil {
		mux.HandleFunc("GET /selftest", h.Selftest)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: requestLog(deps.Log, mux),
			// Job submissions block for the whole job; only bound the
			// time spent reading the request.
			ReadTimeout: 30 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
