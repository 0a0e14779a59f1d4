// Package pipeline drives one task through staging, analysis and ingestion.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/analysis"
	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/logging"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/staging"
	"media-analysis-pipeline/internal/telemetry"
	"media-analysis-pipeline/internal/warehouse"
)

// State is a step of the per-task state machine.
type State string

const (
	StateReceived  State = "received"
	StateStaging   State = "staging"
	StateAnalyzing State = "analyzing"
	StateIngesting State = "ingesting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Scope is the artifact scope owned by one run; *artifact.Scope implements it.
type Scope interface {
	Put(ctx context.Context, localPath string) (string, error)
	Close(ctx context.Context) error
}

// ScopeOpener opens the scope for a task id.
type ScopeOpener func(scopeID string) Scope

// Result reports how a run ended. Err is nil only when State is StateCompleted.
type Result struct {
	State    State
	FailedIn State
	Err      error
	Analysis *models.AnalysisResult
}

// Outcome is the queue verdict for this result, without a backoff.
func (r Result) Outcome() models.OutcomeKind {
	return faults.Classify(r.Err)
}

const defaultCleanupTimeout = 30 * time.Second

// Executor runs the pipeline for one task at a time per call; it is safe for concurrent use.
type Executor struct {
	stager         staging.Stager
	analyzer       analysis.Analyzer
	ingester       warehouse.Ingester
	openScope      ScopeOpener
	log            zerolog.Logger
	cleanupTimeout time.Duration
}

func NewExecutor(stager staging.Stager, analyzer analysis.Analyzer, ingester warehouse.Ingester, openScope ScopeOpener, log zerolog.Logger) *Executor {
	return &Executor{
		stager:         stager,
		analyzer:       analyzer,
		ingester:       ingester,
		openScope:      openScope,
		log:            log,
		cleanupTimeout: defaultCleanupTimeout,
	}
}

// Run executes Staging -> Analyzing -> Ingesting for task. The task's artifact scope is
// closed on every path, including an expired ctx; cleanup failures are logged and never
// change the result.
func (e *Executor) Run(ctx context.Context, task models.ProcessingTask) (res Result) {
	log := logging.ForTask(e.log, task)
	res.State = StateReceived

	scope := e.openScope(task.ID)
	defer func() {
		// The run's ctx may already be done; cleanup gets its own short budget.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cleanupTimeout)
		defer cancel()
		if err := scope.Close(cctx); err != nil {
			log.Warn().Err(err).Str("state", string(res.State)).Msg("artifact scope cleanup incomplete")
		}
	}()

	fail := func(state State, err error) Result {
		if faults.Deadline(err) && !errors.Is(err, faults.ErrTransient) && faults.Retryable(err) {
			err = faults.Transient(string(state), "deadline", err)
		}
		log.Error().Err(err).Str("state", string(state)).Str("kind", faults.Kind(err)).Msg("pipeline stage failed")
		return Result{State: StateFailed, FailedIn: state, Err: err}
	}

	res.State = StateStaging
	var staged models.StagedObject
	err := e.timed(ctx, StateStaging, func() error {
		var err error
		staged, err = e.stager.Stage(ctx, task, scope)
		return err
	})
	if err != nil {
		return fail(StateStaging, err)
	}
	log.Debug().Str("uri", staged.URI).Str("content_type", staged.ContentType).Msg("object staged")

	res.State = StateAnalyzing
	var result models.AnalysisResult
	err = e.timed(ctx, StateAnalyzing, func() error {
		var err error
		result, err = e.analyzer.Analyze(ctx, staged)
		return err
	})
	if err != nil {
		return fail(StateAnalyzing, err)
	}

	res.State = StateIngesting
	err = e.timed(ctx, StateIngesting, func() error {
		return e.ingester.Ingest(ctx, task.ID, task.Generation, result)
	})
	if err != nil {
		return fail(StateIngesting, err)
	}

	log.Info().Str("summary", truncate(result.Summary, 120)).Msg("pipeline completed")
	return Result{State: StateCompleted, Analysis: &result}
}

// timed runs one stage unless ctx is already done, recording its latency.
func (e *Executor) timed(ctx context.Context, state State, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = faults.Kind(err)
	}
	telemetry.StageDuration.WithLabelValues(string(state), outcome).Observe(time.Since(start).Seconds())
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

