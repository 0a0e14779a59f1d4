package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "media-analysis-pipeline/internal/api"
	"media-analysis-pipeline/internal/app"
	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/logging"
	"media-analysis-pipeline/internal/warehouse"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "api")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	defer rt.Close()

	deps := api.Deps{
		Intake: rt.Intake(),
		Ledger: rt.Store,
		DLQ:    rt.Queue,
	}
	// The push delivery endpoint runs the pipeline in this process.
	if cfg.DeliveryMode == config.DeliveryPush {
		consumer, err := rt.Consumer(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("init pipeline")
		}
		deps.Tasks = consumer
	}
	if results, err := warehouse.NewPostgresIngester(rt.Store.Pool(), cfg.WarehouseTable); err == nil {
		deps.Results = results
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(deps, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("delivery_mode", cfg.DeliveryMode).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	// In-flight /tasks/process requests get the attempt budget to settle.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.AttemptBudget())
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
}
