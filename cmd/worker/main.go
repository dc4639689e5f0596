package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"mediagen/internal/adapter/repo"
	"mediagen/internal/config"
	"mediagen/internal/dispatch"
	"mediagen/internal/infra"
	"mediagen/internal/progress"
	"mediagen/internal/provider"
	"mediagen/internal/queue"
	"mediagen/internal/storage"
	"mediagen/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer rdb.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	registry := provider.NewRegistry()
	registry.Register(provider.NewSynthetic())

	q := queue.NewClient(rdb, queue.Config{
		Stream: cfg.QueueStream,
		Group:  cfg.ConsumerGroup,
		Block:  cfg.QueueBlock,
	})
	if err := q.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: consumer group setup failed")
	}

	jobRepo := repo.NewJobRepository(pool)
	fabric := progress.NewFabric(rdb, logger)
	policy := dispatch.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Jitter:      true,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		runner := worker.NewRunner(q, jobRepo, fileStore, fabric, registry, policy, logger)
		g.Go(func() error { return runner.Run(gctx) })
	}

	reconciler := worker.NewReconciler(jobRepo, q, fabric, cfg.ReconcileInterval, cfg.ReconcileAfter, logger)
	g.Go(func() error { return reconciler.Run(gctx) })

	logger.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Str("stream", cfg.QueueStream).
		Str("group", cfg.ConsumerGroup).
		Msg("worker: started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
