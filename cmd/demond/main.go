// Command demond runs the Demon core kernel: the event log, policy kernel,
// approval gates, TTL worker, and ritual engine wired together as a single
// long-running process. There is no CLI surface by design (spec.md §1
// "Non-goals" excludes command-line interfaces and read-only HTTP/UI
// endpoints); the only exposed external interface is the approvals HTTP
// surface of spec.md §6. Ritual submission is a library entrypoint
// (ritual.Engine.Start), not something this binary exposes itself.
//
// # Configuration
//
// Environment variables (see internal/config for the full list and
// defaults): NATS_URL, RITUAL_STREAM_NAME, TENANTING_ENABLED,
// TENANT_DUAL_PUBLISH, APPROVAL_TTL_SECONDS, APPROVER_ALLOWLIST,
// WARDS_GLOBAL_QUOTA, WARDS_QUOTAS, WARDS_CAP_QUOTAS, TTL_WORKER_ENABLED,
// DEMON_CONTAINER_RUNTIME, DEMON_APPROVALS_ADDR, DEMON_WARDS_REDIS_URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/demon-run/demon/internal/approval"
	"github.com/demon-run/demon/internal/capsule/containerexec"
	"github.com/demon-run/demon/internal/config"
	"github.com/demon-run/demon/internal/envelope"
	"github.com/demon-run/demon/internal/eventlog"
	"github.com/demon-run/demon/internal/ritual"
	"github.com/demon-run/demon/internal/runs"
	"github.com/demon-run/demon/internal/telemetry"
	"github.com/demon-run/demon/internal/ttlworker"
	"github.com/demon-run/demon/internal/wards"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "demond exited"})
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	lg := telemetry.NewClueLogger()
	tr := telemetry.NewClueTracer()

	lg.Info(ctx, "connecting to event log", "url", cfg.NATSURL, "stream", cfg.RitualStreamName)
	evLog, err := eventlog.Open(ctx, cfg, lg, tr)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer evLog.Close()

	kernel, err := buildWardsKernel(cfg)
	if err != nil {
		return fmt.Errorf("build wards kernel: %w", err)
	}

	capsuleRunner, err := buildCapsuleRunner(cfg, lg, tr)
	if err != nil {
		return fmt.Errorf("build capsule runner: %w", err)
	}

	registry := runs.NewRegistry()
	coord := approval.NewCoordinator(evLog)
	engine := ritual.New(evLog, kernel, coord, capsuleRunner, cfg.ContainerArtifactsDir(), cfg.ContainerWorkspaceDir(), lg, tr)
	_ = engine // held for the ritual.Engine.Start/.Advance library entrypoint; this binary only serves ambient infrastructure

	srv := buildApprovalsServer(cfg, coord, registry)

	var ttlWorker *ttlworker.Worker
	if cfg.TTLWorkerEnabled {
		consumer, err := evLog.CreateDurableConsumer(ctx, cfg.TTLConsumerName, eventlog.RitualSubjectPrefix+".>")
		if err != nil {
			return fmt.Errorf("create TTL durable consumer: %w", err)
		}
		ttlWorker = ttlworker.New(consumer, coord, registry.Resolve, ttlworker.Config{
			Batch:    cfg.TTLBatch,
			PullWait: time.Duration(cfg.TTLPullTimeoutMS) * time.Millisecond,
		}, lg, nil)
	}

	return serve(ctx, srv, ttlWorker, lg)
}

func buildWardsKernel(cfg config.Config) (*wards.Kernel, error) {
	resolver, err := wards.NewResolver(cfg.WardsGlobalQuota, cfg.WardsQuotas, cfg.WardsCapQuotas)
	if err != nil {
		return nil, err
	}

	var counter wards.Counter
	if url := os.Getenv("DEMON_WARDS_REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse DEMON_WARDS_REDIS_URL: %w", err)
		}
		counter = wards.NewRedisCounter(redis.NewClient(opts), "demon:wards")
	} else {
		counter = wards.NewLocalCounter()
	}

	return wards.New(resolver, counter, nil), nil
}

func buildCapsuleRunner(cfg config.Config, lg telemetry.Logger, tr telemetry.Tracer) (containerexec.Runner, error) {
	validator, err := envelope.NewValidator(envelope.DefaultSchema)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	switch cfg.ContainerRuntime {
	case "stub":
		return containerexec.NewStubRunner(validator), nil
	case "docker":
		return containerexec.NewDockerRunner(validator, lg, tr)
	default:
		return nil, fmt.Errorf("unknown DEMON_CONTAINER_RUNTIME %q", cfg.ContainerRuntime)
	}
}

func buildApprovalsServer(cfg config.Config, coord *approval.Coordinator, registry *runs.Registry) *http.Server {
	handler := approval.NewHandler(coord, cfg.ApproverAllowlist, registry.Resolve)
	r := chi.NewRouter()
	handler.Routes(r)
	return &http.Server{Addr: cfg.ApprovalsAddr, Handler: r}
}

// serve runs the approvals HTTP server and the TTL worker until ctx is
// canceled, a termination signal arrives, or either of the two stops. A
// stop without error shuts both down; a stop with an error is returned at
// once, which cancels the worker but does not gracefully shut down the
// server.
func serve(ctx context.Context, srv *http.Server, ttlWorker *ttlworker.Worker, lg telemetry.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	errCh := make(chan error, 2)

	go func() {
		lg.Info(ctx, "serving approvals", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("approvals server: %w", err)
			return
		}
		errCh <- nil
	}()

	if ttlWorker != nil {
		go func() {
			if err := ttlWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("ttl worker: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		lg.Info(ctx, "received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown approvals server: %w", err)
	}

	return nil
}
