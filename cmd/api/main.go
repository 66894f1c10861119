package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "certification-pipeline/internal/api"
	"certification-pipeline/internal/authority"
	"certification-pipeline/internal/config"
	"certification-pipeline/internal/pipeline"
	"certification-pipeline/internal/queue"
	"certification-pipeline/internal/ratelimit"
	"certification-pipeline/internal/runlog"
	"certification-pipeline/internal/store"
	"certification-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName: cfg.ServiceName + "-api",
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		logger.Error("setup tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := store.Migrate(cfg.PostgresDSN); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var jobs interface {
		pipeline.JobQueue
		api.Jobs
	} = st
	if cfg.JobBackend == "redis" {
		rq := queue.NewRedisJobStore(cfg)
		defer rq.Close()
		jobs = rq
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	limiter := ratelimit.NewLimiter(redisClient, cfg.RedisPrefix+":rl", cfg.RateLimitCapacity, cfg.RateLimitRefill)

	svc := pipeline.NewService(st, jobs, authority.MustNew(), pipeline.Options{
		Override:    pipeline.OverrideFromConfig(cfg.EvidenceOverride),
		MaxAttempts: cfg.MaxAttempts,
		Limiter:     limiter,
		TSAProvider: cfg.TSAURL,
		Logger:      logger,
	})

	server := api.New(cfg, svc, st, jobs, runlog.NewRecorder(st.DB(), logger), logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "job_backend", cfg.JobBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
