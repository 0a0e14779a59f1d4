package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"media-analysis-pipeline/internal/app"
	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/logging"
	"media-analysis-pipeline/internal/telemetry"
	workerproc "media-analysis-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "worker")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("set maxprocs")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	defer rt.Close()

	var handler workerproc.Handler
	switch cfg.DeliveryMode {
	case config.DeliveryPush:
		handler = workerproc.NewDispatcher(cfg, log.With().Str("module", "dispatcher").Logger()).Deliver
	default:
		consumer, err := rt.Consumer(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("init pipeline")
		}
		handler = consumer.HandleDelivery
	}
	processor := workerproc.NewProcessor(cfg, rt.Queue, handler, log)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() { _ = metrics.Close() }()

	log.Info().
		Str("delivery_mode", cfg.DeliveryMode).
		Str("staging_mode", cfg.StagingMode).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Str("worker_id", workerID()).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		return
	}
	log.Info().Msg("worker stopped")
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return "worker-" + strconv.Itoa(os.Getpid())
}
