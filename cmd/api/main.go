package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mediagen/internal/adapter/repo"
	"mediagen/internal/config"
	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
	"mediagen/internal/http/handlers"
	"mediagen/internal/http/httpapi"
	"mediagen/internal/infra"
	"mediagen/internal/jobs"
	"mediagen/internal/progress"
	"mediagen/internal/queue"
	"mediagen/internal/ratelimit"
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
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: redis connection failed")
	}
	defer rdb.Close()

	q := queue.NewClient(rdb, queue.Config{
		Stream: cfg.QueueStream,
		Group:  cfg.ConsumerGroup,
		Block:  cfg.QueueBlock,
	})
	if err := q.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api: consumer group setup failed")
	}

	jobRepo := repo.NewJobRepository(pool)
	ledger := repo.NewCreditLedger(pool)
	fabric := progress.NewFabric(rdb, logger)
	dispatcher := dispatch.NewDispatcher(rdb, q, logger, cfg.IdempotencyTTL)
	limiter := ratelimit.NewLimiter(rdb)

	svc := jobs.NewService(jobs.Options{
		Repo:       jobRepo,
		Redis:      rdb,
		Admitter:   limiter,
		Dispatcher: dispatcher,
		Canceller:  q,
		Fabric:     fabric,
		Rules: map[domain.JobKind]ratelimit.Rule{
			domain.JobKindImage: {Capacity: cfg.ImageCapacity, LeakRatePerSec: cfg.ImageLeakRate},
			domain.JobKindVideo: {Capacity: cfg.VideoCapacity, LeakRatePerSec: cfg.VideoLeakRate},
			domain.JobKindAudio: {Capacity: cfg.AudioCapacity, LeakRatePerSec: cfg.AudioLeakRate},
		},
		Retention: cfg.RetentionTTL,
		Logger:    logger,
	})

	app := handlers.NewApp(svc, fabric, ledger, logger, cfg.StreamHeartbeat)
	router := httpapi.NewRouter(app, cfg.StoragePath)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
