package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/logging"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/pipeline"
	"media-analysis-pipeline/internal/queue"
	"media-analysis-pipeline/internal/store"
	"media-analysis-pipeline/internal/telemetry"
)

// TaskStore is the task ledger as seen by the consumer; *store.Store implements it.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (models.ProcessingTask, error)
	BeginAttempt(ctx context.Context, id string) (models.ProcessingTask, bool, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id, lastErr string, nextRun time.Time) error
	MarkFailed(ctx context.Context, id, lastErr string) error
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// DeadLetterer records tasks that will not be retried; *queue.RedisQueue implements it.
type DeadLetterer interface {
	DLQPush(ctx context.Context, taskID string) error
}

// Runner executes the pipeline for one task; *pipeline.Executor implements it.
type Runner interface {
	Run(ctx context.Context, task models.ProcessingTask) pipeline.Result
}

// Consumer turns one delivery into exactly one queue outcome. Pipeline errors stop here.
type Consumer struct {
	store          TaskStore
	dlq            DeadLetterer
	runner         Runner
	maxAttempts    int
	budget         time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
	log            zerolog.Logger
}

func NewConsumer(cfg config.Config, st TaskStore, dlq DeadLetterer, runner Runner, log zerolog.Logger) *Consumer {
	return &Consumer{
		store:          st,
		dlq:            dlq,
		runner:         runner,
		maxAttempts:    cfg.MaxAttempts,
		budget:         cfg.AttemptBudget(),
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		now:            time.Now,
		log:            log,
	}
}

// HandleDelivery adapts Handle to the queue's delivery type. A delivery whose payload
// was lost is rebuilt from the ledger row.
func (c *Consumer) HandleDelivery(ctx context.Context, d *queue.Delivery) models.Outcome {
	if d.Task != nil {
		return c.Handle(ctx, *d.Task)
	}
	task, err := c.store.GetTask(ctx, d.TaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.orphan(ctx, d.TaskID)
	case err != nil:
		c.log.Warn().Err(err).Str("task_id", d.TaskID).Msg("task ledger unavailable")
		return c.record(models.Retry(c.backoffInitial, "ledger unavailable"))
	}
	c.log.Warn().Str("task_id", d.TaskID).Msg("delivery without task payload, loaded from ledger")
	return c.Handle(ctx, task)
}

// Handle runs one attempt of task and reports Ack, Retry or Fail.
// A task that already reached a terminal state is acknowledged without running again.
func (c *Consumer) Handle(ctx context.Context, task models.ProcessingTask) models.Outcome {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Ledger writes after the run must land even when shutdown cancelled ctx.
	bg := context.WithoutCancel(ctx)

	current, started, err := c.store.BeginAttempt(ctx, task.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.orphan(ctx, task.ID)
	case err != nil:
		c.log.Warn().Err(err).Str("task_id", task.ID).Msg("task ledger unavailable")
		return c.record(models.Retry(c.backoffInitial, "ledger unavailable"))
	case !started:
		c.audit(bg, task.ID, "duplicate_delivery", "status="+string(current.Status))
		c.log.Info().Str("task_id", task.ID).Str("status", string(current.Status)).Msg("task already terminal")
		return c.record(models.Ack())
	}

	log := logging.ForTask(c.log, current)
	maxAttempts := current.MaxAttempts
	if maxAttempts <= 0 || (c.maxAttempts > 0 && c.maxAttempts < maxAttempts) {
		maxAttempts = c.maxAttempts
	}
	if current.AttemptCount > maxAttempts {
		return c.deadLetter(bg, log, current.ID, fmt.Sprintf("attempt %d exceeds limit %d", current.AttemptCount, maxAttempts))
	}
	c.audit(bg, current.ID, "attempt_started", fmt.Sprintf("attempt=%d", current.AttemptCount))

	runCtx, cancel := context.WithTimeout(ctx, c.budget)
	res := c.runner.Run(runCtx, current)
	cancel()

	switch res.Outcome() {
	case models.OutcomeAck:
		if err := c.store.MarkSucceeded(bg, current.ID); err != nil {
			// Ingestion is an upsert, so running again is safe.
			log.Warn().Err(err).Msg("mark succeeded failed")
			return c.record(models.Retry(c.backoffInitial, "ledger update failed"))
		}
		c.audit(bg, current.ID, "succeeded", "")
		return c.record(models.Ack())

	case models.OutcomeFail:
		return c.deadLetter(bg, log, current.ID, res.Err.Error())

	default:
		if current.AttemptCount >= maxAttempts {
			return c.deadLetter(bg, log, current.ID, fmt.Sprintf("attempts exhausted: %v", res.Err))
		}
		backoff := backoffWithJitter(c.backoffInitial, c.backoffMax, current.AttemptCount)
		next := c.now().Add(backoff)
		if err := c.store.MarkRetry(bg, current.ID, res.Err.Error(), next); err != nil {
			log.Warn().Err(err).Msg("mark retry failed")
		}
		c.audit(bg, current.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempt=%d state=%s", next.UTC().Format(time.RFC3339), current.AttemptCount, res.FailedIn))
		log.Info().Dur("backoff", backoff).Str("kind", faults.Kind(res.Err)).Msg("retry scheduled")
		return c.record(models.Retry(backoff, res.Err.Error()))
	}
}

// deadLetter records the terminal failure. Until the ledger accepts it the task is
// retried, and the next attempt lands here again through the attempt limit.
func (c *Consumer) deadLetter(ctx context.Context, log zerolog.Logger, id, reason string) models.Outcome {
	if err := c.store.MarkFailed(ctx, id, reason); err != nil {
		log.Warn().Err(err).Msg("mark failed failed")
		return c.record(models.Retry(c.backoffInitial, "ledger update failed"))
	}
	if err := c.dlq.DLQPush(ctx, id); err != nil {
		log.Warn().Err(err).Msg("dead letter push failed")
	}
	c.audit(ctx, id, "dead_letter", reason)
	telemetry.WorkerDeadLetter.Inc()
	log.Error().Str("reason", reason).Msg("task failed permanently")
	return c.record(models.Fail(reason))
}

// orphan dead-letters a delivery that has no ledger row so operators can see it.
func (c *Consumer) orphan(ctx context.Context, id string) models.Outcome {
	if err := c.dlq.DLQPush(context.WithoutCancel(ctx), id); err != nil {
		c.log.Warn().Err(err).Str("task_id", id).Msg("dead letter push failed")
	}
	telemetry.WorkerDeadLetter.Inc()
	c.log.Error().Str("task_id", id).Msg("delivery for unknown task")
	return c.record(models.Fail("unknown task"))
}

func (c *Consumer) audit(ctx context.Context, id, event, detail string) {
	if err := c.store.AppendAudit(ctx, id, event, detail); err != nil {
		c.log.Debug().Err(err).Str("task_id", id).Str("event", event).Msg("audit append failed")
	}
}

func (c *Consumer) record(o models.Outcome) models.Outcome {
	telemetry.PipelineOutcomes.WithLabelValues(string(o.Kind)).Inc()
	return o
}
