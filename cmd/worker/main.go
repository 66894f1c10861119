package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/time/rate"

	"certification-pipeline/internal/anchor"
	"certification-pipeline/internal/artifact"
	"certification-pipeline/internal/authority"
	"certification-pipeline/internal/config"
	"certification-pipeline/internal/notary"
	"certification-pipeline/internal/notify"
	"certification-pipeline/internal/pipeline"
	"certification-pipeline/internal/queue"
	"certification-pipeline/internal/runlog"
	"certification-pipeline/internal/store"
	"certification-pipeline/internal/telemetry"
	"certification-pipeline/internal/tsa"
	workerproc "certification-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", "worker", "worker_id", workerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName: cfg.ServiceName + "-worker",
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
		workerproc.JobStore
	} = st
	if cfg.JobBackend == "redis" {
		rq := queue.NewRedisJobStore(cfg)
		defer rq.Close()
		jobs = rq
	}

	svc := pipeline.NewService(st, jobs, authority.MustNew(), pipeline.Options{
		Override:    pipeline.OverrideFromConfig(cfg.EvidenceOverride),
		MaxAttempts: cfg.MaxAttempts,
		TSAProvider: cfg.TSAURL,
		Logger:      logger,
	})

	artifacts, err := artifact.New(ctx, cfg)
	if err != nil {
		logger.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	notaryClient := &http.Client{Timeout: cfg.NotaryTimeout}
	notaryLimiter := rate.NewLimiter(rate.Limit(cfg.NotaryRatePerSec), cfg.NotaryBurst)
	var notaries []notary.Notary
	for _, relay := range cfg.PolygonRelayURLs {
		notaries = append(notaries, notary.NewPolygon(relay, cfg.PolygonRPCURL, notaryClient, notaryLimiter))
	}
	for _, calendar := range cfg.BitcoinCalendars {
		notaries = append(notaries, notary.NewOpenTimestamps(calendar, cfg.MempoolAPIURL, notaryClient, notaryLimiter))
	}

	notifiers := notify.Multi{notify.NewOutbox(st)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyTimeout))
	}

	anchorOpts := anchor.OptionsFromConfig(cfg, workerID)
	anchorOpts.Validate = svc.Validator()
	anchorOpts.Notifier = notifiers
	anchorOpts.Reconciler = svc
	anchorOpts.Logger = logger
	workflow := anchor.New(st, notaries, anchorOpts)

	timestamper := tsa.NewClient(cfg.TSAURL, cfg.TSAPolicyOID, &http.Client{Timeout: cfg.TSATimeout}, nil)
	handlers := pipeline.NewHandlers(svc, st, timestamper, artifacts, cfg.AnchorSubmitRounds)
	observers := workerproc.Observers{workerproc.MetricsObserver{}, runlog.NewRecorder(st.DB(), logger)}
	processor := workerproc.NewProcessor(cfg, jobs, handlers.Registry(), workerID, observers, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"job_backend", cfg.JobBackend,
		"polygon_relays", len(cfg.PolygonRelayURLs),
		"bitcoin_calendars", len(cfg.BitcoinCalendars),
		"backoff_initial", cfg.BackoffInitial,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := workflow.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("anchor workflow stopped", "error", err)
		}
	}()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
	cancel()
	wg.Wait()
}
