// Command dagexecd is the long-running service that hosts the DAG
// execution engine: it wires config, persistence, the agent pool, the
// decision gate, and the scheduler/executor pair behind a small HTTP API,
// following the bootstrap shape of the teacher's
// services/orchestrator/main.go (signal-aware shutdown, slog logging, an
// OTLP tracer/meter pair, a net/http mux) generalized from a single
// sequential toy workflow runner to the full multi-agent engine in
// internal/.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/swarmguard/dagexec/internal/condition"
	"github.com/swarmguard/dagexec/internal/config"
	"github.com/swarmguard/dagexec/internal/dag"
	"github.com/swarmguard/dagexec/internal/executor"
	"github.com/swarmguard/dagexec/internal/extmemory"
	"github.com/swarmguard/dagexec/internal/gate"
	"github.com/swarmguard/dagexec/internal/natsbus"
	"github.com/swarmguard/dagexec/internal/pool"
	"github.com/swarmguard/dagexec/internal/runtime"
	"github.com/swarmguard/dagexec/internal/scheduler"
	"github.com/swarmguard/dagexec/internal/skillreg"
	"github.com/swarmguard/dagexec/internal/store"
	"github.com/swarmguard/dagexec/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("DAGEXEC_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dagexecd: config:", err)
		os.Exit(3)
	}

	logger := telemetry.InitLogging(cfg.Service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := telemetry.InitTracer(ctx, cfg.Service)
	shutdownMetrics := telemetry.InitMetrics(ctx, cfg.Service)
	defer func() {
		telemetry.Flush(context.Background(), shutdownTrace)
		telemetry.Flush(context.Background(), shutdownMetrics)
	}()

	st, err := store.Open(cfg.StorePath, 5*time.Second)
	if err != nil {
		logger.Error("opening store", "error", err)
		os.Exit(4)
	}
	defer st.Close()

	if touched, err := st.Hydrate(); err != nil {
		logger.Error("hydrating store", "error", err)
		os.Exit(4)
	} else if len(touched) > 0 {
		logger.Info("recovered in-flight runs", "runs", touched)
	}

	cond, err := condition.New()
	if err != nil {
		logger.Error("building condition evaluator", "error", err)
		os.Exit(3)
	}

	bus, err := natsbus.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("connecting to nats", "error", err)
		os.Exit(4)
	}
	defer bus.Close()

	registry := runtime.NewRegistry()
	memory := extmemory.NewInMemoryStore()
	skills := skillreg.New()
	registerBuiltinSkills(skills)

	pl := pool.New(registry, pool.Options{
		MaxAgents:           cfg.MaxAgents,
		HealthCheckInterval: cfg.HealthCheckInterval,
		AutoCleanup:         cfg.AutoCleanupAgents,
		IdleTimeout:         cfg.PoolIdleTimeout,
		AcquisitionTimeout:  cfg.AcquisitionTimeout,
	}, st)
	registerAdapters(pl, registry, logger)
	pl.StartHealthCheck(ctx)
	defer pl.ShutdownAll(context.Background())

	var verifier gate.TokenVerifier
	if jwksURL := os.Getenv("DAGEXEC_JWKS_URL"); jwksURL != "" {
		v, err := gate.NewJWTVerifier(ctx, jwksURL)
		if err != nil {
			logger.Warn("jwt verifier disabled", "error", err)
		} else {
			verifier = v
		}
	}
	gt := gate.New(verifier, gate.Options{
		ConfirmedTimeout:  cfg.ConfirmedGateTimeout,
		ArbitratedTimeout: cfg.ArbitratedGateTimeout,
		RetentionWindow:   cfg.DecisionRetentionWindow,
	})
	gt.StartCleanupSweep(ctx, time.Minute)

	sched := scheduler.New(scheduler.Options{
		ReadyChannelCapacity: cfg.ReadyChannelCapacity,
		PolicyBundleDir:      os.Getenv("DAGEXEC_POLICY_BUNDLE_DIR"),
		ConditionEvaluator:   cond,
	}, st)
	if err := sched.RestoreRuns(); err != nil {
		logger.Error("restoring runs from store", "error", err)
		os.Exit(4)
	}

	exec := executor.New(sched, pl, gt, registry, bus, &conditionAwareSkills{skills}, memory, logger)

	cronSched := executor.NewCronScheduler(exec, logger)
	cronSched.Start()
	defer cronSched.Stop()

	srv := newServer(exec, sched, gt, st, cfg, logger, cond, bus, cronSched)

	maintenance := cron.New()
	if _, err := maintenance.AddFunc("@every 1m", gt.Cleanup); err != nil {
		logger.Warn("scheduling gate cleanup cron", "error", err)
	}
	if _, err := maintenance.AddFunc("@every 5m", func() {
		if err := st.Checkpoint(); err != nil {
			logger.Warn("checkpoint failed", "error", err)
		}
	}); err != nil {
		logger.Warn("scheduling checkpoint cron", "error", err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	grpcHealth, grpcLis, err := startGRPCHealth(os.Getenv("DAGEXEC_GRPC_ADDR"), st)
	if err != nil {
		logger.Warn("grpc health server disabled", "error", err)
	} else {
		go func() {
			logger.Info("grpc health listening", "addr", grpcLis.Addr().String())
			if err := grpcHealth.Serve(grpcLis); err != nil {
				logger.Warn("grpc health server stopped", "error", err)
			}
		}()
		defer grpcHealth.GracefulStop()
	}

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.mux()}
	go func() {
		logger.Info("dagexecd listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shCtx)
	logger.Info("shutdown complete")
}

// startGRPCHealth exposes grpc.health.v1.Health on addr (default ":9090")
// so an orchestrator behind a gRPC mesh can probe liveness the same way
// services/control-plane's callers do, alongside the plain HTTP /health
// endpoint. The serving status tracks the store's own health check.
func startGRPCHealth(addr string, st *store.Store) (*grpc.Server, net.Listener, error) {
	if addr == "" {
		addr = ":9090"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			status := healthpb.HealthCheckResponse_SERVING
			if !st.IsHealthy() {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus("", status)
		}
	}()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return srv, lis, nil
}

// registerAdapters wires a runtime adapter per enumerated Type (spec §9
// "no inheritance hierarchy; at most one level of dispatch"). Claude only
// registers when an API key is present; the CLI-driven runtimes register
// unconditionally since Spawn (and thus the missing-binary failure) is
// deferred until the pool actually tries to acquire one.
func registerAdapters(pl *pool.Pool, registry *runtime.Registry, logger *slog.Logger) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model := os.Getenv("DAGEXEC_CLAUDE_MODEL")
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		pl.RegisterRuntime(runtime.NewClaudeAdapter(apiKey, model, 8192))
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set; claude runtime disabled")
	}
	for _, t := range []runtime.Type{runtime.TypeKimi, runtime.TypeAider, runtime.TypeOpenCode} {
		pl.RegisterRuntime(runtime.NewSubprocessAdapter(t))
	}
}

func registerBuiltinSkills(reg *skillreg.Registry) {
	reg.Register(skillreg.Descriptor{Name: "shell", Method: "run", Command: "shell.run", Description: "run a shell command on the bound agent"})
	reg.Register(skillreg.Descriptor{Name: "http", Method: "fetch", Command: "http.fetch", Description: "fetch a URL"})
	reg.Register(skillreg.Descriptor{Name: "notify", Method: "send", Command: "notify.send", Description: "send a notification"})
}

// conditionAwareSkills adapts *skillreg.Registry to executor.SkillResolver;
// the two already share the same method signature, but the wrapper keeps
// the dependency direction explicit (executor depends on an interface, not
// on skillreg directly) the same way dag depends on ConditionEvaluator
// rather than importing internal/condition.
type conditionAwareSkills struct {
	reg *skillreg.Registry
}

func (s *conditionAwareSkills) Resolve(ctx context.Context, skill dag.SkillRef) (string, error) {
	return s.reg.Resolve(ctx, skill)
}
