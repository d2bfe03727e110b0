// Command tasker runs the engine's four actors and its HTTP surface in one
// process, mirroring cmd/main.go's RUN_SERVER/RUN_WORKER toggle but without
// an internal/app indirection: main wires every component directly since
// Tasker has no other command needing the same app struct.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tasker-systems/tasker/internal/deadletter"
	"github.com/tasker-systems/tasker/internal/engine"
	"github.com/tasker-systems/tasker/internal/httpapi"
	"github.com/tasker-systems/tasker/internal/metrics"
	"github.com/tasker-systems/tasker/internal/observability"
	"github.com/tasker-systems/tasker/internal/pkg/logger"
	"github.com/tasker-systems/tasker/internal/platform/config"
	"github.com/tasker-systems/tasker/internal/platform/db"
	"github.com/tasker-systems/tasker/internal/queue"
	"github.com/tasker-systems/tasker/internal/queue/pgqueue"
	"github.com/tasker-systems/tasker/internal/queue/redisqueue"
	"github.com/tasker-systems/tasker/internal/repos"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tasker: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownOTel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(ctx)
	}()

	dbSvc, err := db.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	gdb := dbSvc.DB()

	tmplRepo := repos.NewTemplateRepo(gdb, log)
	taskRepo := repos.NewTaskRepo(gdb, log)
	stepRepo := repos.NewStepRepo(gdb, log)

	leaseDuration := time.Duration(cfg.VisibilityTimeoutSeconds) * time.Second

	var q queue.Queue
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		rq, err := redisqueue.New(cfg.RedisAddr, cfg.RedisChannel, stepRepo, log, leaseDuration)
		if err != nil {
			return fmt.Errorf("connect redis queue: %w", err)
		}
		q = rq
	default:
		if err := pgqueue.AutoMigrate(gdb); err != nil {
			return fmt.Errorf("migrate queue table: %w", err)
		}
		q = pgqueue.New(gdb, stepRepo, log, leaseDuration)
	}
	defer q.Close()

	eng := engine.New(gdb, log, tmplRepo, taskRepo, stepRepo, q, engine.Config{
		ChannelCapacity:          cfg.ActorChannelCapacity,
		StepEnqueueBatchSize:     cfg.StepEnqueueBatchSize,
		StepEnqueueFlushInterval: time.Duration(cfg.StepEnqueueFlushIntervalMS) * time.Millisecond,
		ResultPollInterval:       time.Duration(cfg.ReadinessPollIntervalMS) * time.Millisecond,
		ResultBatchSize:          cfg.StepEnqueueBatchSize,
		DispatchQueueName:        "dispatch",
		CompletionQueueName:      "completion",
		AdvisoryLockNamespace:    cfg.AdvisoryLockNamespace,
		StaleClaimSweepInterval:  time.Duration(cfg.StaleClaimRecoverySeconds) * time.Second / 4,
		StaleClaimThreshold:      time.Duration(cfg.StaleClaimRecoverySeconds) * time.Second,
	})

	dl := deadletter.NewService(log, taskRepo, stepRepo)
	m := metrics.New()

	srv := httpapi.NewServer(httpapi.Config{
		Engine:      eng,
		TaskRepo:    taskRepo,
		StepRepo:    stepRepo,
		DeadLetter:  dl,
		Metrics:     m,
		Log:         log,
		AuthToken:   cfg.HTTPAuthToken,
		CORSOrigins: cfg.HTTPCORSOrigins,
		ServiceName: cfg.ServiceName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("engine starting")
		errCh <- eng.Run(ctx)
	}()

	httpServer := &http.Server{Addr: cfg.HTTPAddress, Handler: srv.Engine}
	go func() {
		log.Info("http server listening", "address", cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("component failed", "error", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownDrainSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		log.Warn("http shutdown error", "error", err)
	}
	stop()

	return nil
}
