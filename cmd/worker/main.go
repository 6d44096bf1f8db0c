package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"audiobrief/internal/arbiter"
	"audiobrief/internal/artifact"
	"audiobrief/internal/config"
	"audiobrief/internal/pipeline"
	"audiobrief/internal/queue"
	"audiobrief/internal/store"
	"audiobrief/internal/sweeper"
	"audiobrief/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	artifacts, err := artifact.NewMinio(ctx, artifact.MinioOptions{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Region:    cfg.MinioRegion,
		Bucket:    cfg.MinioBucket,
	})
	if err != nil {
		logger.Error("failed to connect to minio", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	q := queue.NewRedis(rdb, cfg.GPUQueueKey, cfg.StandardQueueKey)
	arb := arbiter.New(
		arbiter.NewRedisBackend(rdb, "audiobrief:gpu", cfg.Pipeline.LeaseTTL),
		cfg.Pipeline.LeaseTTL, cfg.Pipeline.LeasePollInterval, logger)

	runner := pipeline.NewRunner(st, artifacts, arb, pipeline.NewEngineFactory(cfg),
		cfg.Pipeline, cfg.TempDir, logger)

	sw := sweeper.New(st, artifacts, cfg.Pipeline.SweepInterval, logger)
	go sw.Run(ctx)

	pool := worker.New(q, st, runner, cfg.QueuePollTimeout, cfg.StandardWorkers, logger)
	pool.Run(ctx)
}
