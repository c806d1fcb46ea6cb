// Package main is the entry point for runnerd, the isolated job runner.
// It owns the process lifecycle: configuration, the shared Docker client,
// the HTTP API and graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"runbox/internal/artifact"
	"runbox/internal/config"
	"runbox/internal/engine"
	"runbox/internal/logger"
	"runbox/internal/observability"
	"runbox/internal/policy"
	"runbox/internal/runtime"
	"runbox/internal/scheduler"
	"runbox/internal/selftest"
	"runbox/internal/server"
	"runbox/internal/spec"
	"runbox/internal/workspace"
	"runbox/pkg/api"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "runnerd",
		Short: "runnerd executes untrusted multi-step jobs in disposable sandboxes",
		Long: `runnerd is an isolated job runner. Callers submit an ordered list of
steps; each step runs in a fresh, locked-down container sharing a per-job
workspace, and the caller gets back per-step results plus a zip of the
job's output directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "selftest",
		Short: "Probe the configured sandbox images and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest()
		},
		SilenceUsage: true,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "runbox-runnerd", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracer(context.Background())

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer shutdownMetrics(context.Background())

	rt, err := runtime.NewDockerRuntime(cfg.PullPolicy, cfg.OutputLimitBytes)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Fail fast before accepting work when the daemon is unreachable.
	if err := rt.Preflight(ctx); err != nil {
		return err
	}

	wsm, err := workspace.NewManager(cfg.JobsRootLocal, cfg.JobsRootHost)
	if err != nil {
		return err
	}

	policyOpts := policy.Options{
		SandboxUser: cfg.SandboxUser,
		TmpfsSizeMB: cfg.TmpfsSizeMB,
		Defaults:    spec.Resources{CPUs: cfg.DefaultCPUs, MemoryMB: cfg.DefaultMemoryMB, MaxPids: cfg.DefaultPids},
		HardCaps:    spec.Resources{CPUs: cfg.MaxCPUs, MemoryMB: cfg.MaxMemoryMB, MaxPids: cfg.MaxPids},
	}
	sched := scheduler.New(rt, policyOpts, log)
	coll := &artifact.Collector{LimitBytes: cfg.ArtifactLimitBytes}
	eng := engine.New(wsm, sched, coll, cfg.MaxConcurrentJobs, log)

	manifest, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	st := &selftest.Runner{Runtime: rt, Preflight: rt.Preflight}

	srv := server.New(cfg.ListenAddr, server.Deps{
		Engine:       eng,
		DefaultImage: cfg.DefaultImage,
		SpecLimits:   spec.Limits{MaxStepTimeout: int(cfg.MaxStepTimeout.Seconds())},
		Ready:        rt.Preflight,
		Selftest: func(ctx context.Context) api.SelftestResponse {
			return st.Run(ctx, manifest)
		},
		Metrics:        metricsHandler,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Log:            log,
	})

	log.Info("runnerd listening",
		"addr", cfg.ListenAddr,
		"jobs_root", cfg.JobsRootLocal,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
	)
	return srv.Run(ctx)
}

func runSelftest() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewDockerRuntime(cfg.PullPolicy, cfg.OutputLimitBytes)
	if err != nil {
		return err
	}
	defer rt.Close()

	manifest, err := loadManifest(cfg)
	if err != nil {
		return err
	}

	st := &selftest.Runner{Runtime: rt, Preflight: rt.Preflight}
	resp := st.Run(ctx, manifest)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Status == "error" {
		return fmt.Errorf("selftest failed: %s", resp.Error)
	}
	return nil
}

func loadManifest(cfg *config.Config) (*selftest.Manifest, error) {
	if cfg.SelftestManifest == "" {
		return selftest.DefaultManifest(), nil
	}
	return selftest.LoadManifest(cfg.SelftestManifest)
}
