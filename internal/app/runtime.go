// Package app wires the shared runtime used by the api, worker, and mediactl binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/analysis"
	"media-analysis-pipeline/internal/artifact"
	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/intake"
	"media-analysis-pipeline/internal/objstore"
	"media-analysis-pipeline/internal/pipeline"
	"media-analysis-pipeline/internal/queue"
	"media-analysis-pipeline/internal/ratelimit"
	"media-analysis-pipeline/internal/staging"
	"media-analysis-pipeline/internal/store"
	"media-analysis-pipeline/internal/warehouse"
	"media-analysis-pipeline/internal/worker"
)

// throttleWait is how long one analysis call waits for a rate-limit token before the task
// is retried through the queue instead.
const throttleWait = 30 * time.Second

// Runtime holds the connections every binary needs.
type Runtime struct {
	Cfg   config.Config
	Log   zerolog.Logger
	Store *store.Store
	Queue *queue.RedisQueue
}

// Open connects to Postgres and Redis and applies migrations.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Runtime, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	q := queue.NewRedisQueue(cfg)
	if err := q.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &Runtime{Cfg: cfg, Log: log, Store: st, Queue: q}, nil
}

func (rt *Runtime) Close() {
	rt.Store.Close()
	_ = rt.Queue.Client().Close()
}

// Intake returns the notification service.
func (rt *Runtime) Intake() *intake.Service {
	return intake.NewService(rt.Store, rt.Queue, rt.Cfg.SupportedExtensions, rt.Cfg.MaxAttempts, rt.Log.With().Str("module", "intake").Logger()).
		WithIgnoreUnsupported(rt.Cfg.IgnoreUnsupported)
}

// Consumer builds the in-process pipeline and the consumer that drives it.
func (rt *Runtime) Consumer(ctx context.Context) (*worker.Consumer, error) {
	exec, err := rt.Executor(ctx)
	if err != nil {
		return nil, err
	}
	return worker.NewConsumer(rt.Cfg, rt.Store, rt.Queue, exec, rt.Log.With().Str("module", "consumer").Logger()), nil
}

// Executor assembles staging, analysis, and ingestion around one artifact manager.
func (rt *Runtime) Executor(ctx context.Context) (*pipeline.Executor, error) {
	cfg := rt.Cfg

	s3c, err := objstore.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	objects := objstore.New(s3c)

	var backend artifact.Backend
	if cfg.ArtifactBucket != "" {
		backend = artifact.NewS3Backend(objects, cfg.ArtifactBucket, cfg.ObjectURIScheme)
		if err := artifact.EnsureExpiry(ctx, s3c, cfg.ArtifactBucket, cfg.ArtifactPrefix, cfg.ArtifactExpiryDays); err != nil {
			// Scope cleanup still runs; the rule only catches what it misses.
			rt.Log.Warn().Err(err).Str("bucket", cfg.ArtifactBucket).Msg("artifact expiry rule not installed")
		}
	} else {
		backend = artifact.NewLocalBackend(cfg.ArtifactLocalDir)
	}
	artifacts := artifact.NewManager(backend, cfg.ArtifactPrefix, rt.Log.With().Str("module", "artifact").Logger())

	stager, err := staging.New(objects, staging.OptionsFromConfig(cfg), rt.Log.With().Str("module", "staging").Logger())
	if err != nil {
		return nil, err
	}

	genaiClient, err := analysis.NewGeminiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var analyzer analysis.Analyzer = analysis.NewGeminiAnalyzer(genaiClient, cfg)
	analyzer = analysis.NewLimited(analyzer, cfg.AnalysisConcurrency)
	if cfg.AnalysisRatePerSec > 0 {
		bucket := ratelimit.NewTokenBucket(rt.Queue.Client(), cfg.QueueName+":throttle:", cfg.AnalysisBurst, cfg.AnalysisRatePerSec, time.Hour)
		analyzer = analysis.NewThrottled(analyzer, bucket, cfg.AnalysisModel, throttleWait)
	}

	ingester, err := warehouse.NewPostgresIngester(rt.Store.Pool(), cfg.WarehouseTable)
	if err != nil {
		return nil, err
	}
	if err := ingester.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("warehouse table: %w", err)
	}

	openScope := func(id string) pipeline.Scope { return artifacts.OpenScope(id) }
	return pipeline.NewExecutor(stager, analyzer, ingester, openScope, rt.Log.With().Str("module", "pipeline").Logger()), nil
}
