package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/queue"
	"media-analysis-pipeline/internal/telemetry"
)

// Queue is the lease queue the processor drains; *queue.RedisQueue implements it.
type Queue interface {
	DequeueWithLease(ctx context.Context) (*queue.Delivery, error)
	ExtendLease(ctx context.Context, d *queue.Delivery, extension time.Duration) error
	Ack(ctx context.Context, d *queue.Delivery) error
	Retry(ctx context.Context, d *queue.Delivery, runAt time.Time) (int, error)
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Handler settles one delivery. Consumer.HandleDelivery runs the pipeline in process;
// Dispatcher.Deliver hands the task to the delivery endpoint.
type Handler func(ctx context.Context, d *queue.Delivery) models.Outcome

// Processor drives the worker execution loops: a reaper plus one loop per concurrency slot.
type Processor struct {
	cfg     config.Config
	queue   Queue
	handler Handler
	log     zerolog.Logger
	now     func() time.Time
}

func NewProcessor(cfg config.Config, q Queue, handler Handler, log zerolog.Logger) *Processor {
	return &Processor{cfg: cfg, queue: q, handler: handler, log: log, now: time.Now}
}

// Run starts the worker loops and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.reapLoop(gctx) })
	for i := 0; i < max(1, p.cfg.WorkerConcurrency); i++ {
		slot := i
		g.Go(func() error { return p.workLoop(gctx, slot) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) workLoop(ctx context.Context, slot int) error {
	log := p.log.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("dequeue failed")
		}
		if !processed {
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
		}
	}
}

// ProcessOne leases at most one task, hands it to the handler and settles the outcome.
// It reports whether a task was leased.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	d, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	hbCtx, stop := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, *d)
	}()
	outcome := p.handler(ctx, d)
	stop()
	<-hbDone
	p.settle(context.WithoutCancel(ctx), d, outcome)
	return true, nil
}

// heartbeat renews the lease every third of the visibility timeout until ctx ends
// or the lease is lost.
func (p *Processor) heartbeat(ctx context.Context, lease queue.Delivery) {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		return
	}
	ticker := time.NewTicker(visibility / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.queue.ExtendLease(ctx, &lease, visibility)
		switch {
		case errors.Is(err, queue.ErrLeaseLost):
			p.log.Warn().Str("task_id", lease.TaskID).Msg("lease lost while running")
			return
		case err != nil && ctx.Err() == nil:
			p.log.Debug().Err(err).Str("task_id", lease.TaskID).Msg("extend lease failed")
		}
	}
}

func (p *Processor) settle(ctx context.Context, d *queue.Delivery, o models.Outcome) {
	log := p.log.With().Str("task_id", d.TaskID).Str("outcome", string(o.Kind)).Logger()
	switch o.Kind {
	case models.OutcomeRetry:
		backoff := o.Backoff
		if backoff <= 0 {
			backoff = backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, d.Redeliveries+1)
		}
		_, err := p.queue.Retry(ctx, d, p.now().Add(backoff))
		switch {
		case errors.Is(err, queue.ErrLeaseLost):
			log.Warn().Msg("lease lost before retry, another holder owns the task")
		case err != nil:
			// The lease will expire and the reaper returns the task to ready.
			log.Warn().Err(err).Msg("schedule retry failed")
		}
	default:
		err := p.queue.Ack(ctx, d)
		switch {
		case errors.Is(err, queue.ErrLeaseLost):
			log.Warn().Msg("lease lost before ack, another holder owns the task")
		case err != nil:
			log.Warn().Err(err).Msg("ack failed")
		}
	}
}

func (p *Processor) reapLoop(ctx context.Context) error {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Reap(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reap promotes due retries, returns expired leases to ready and refreshes the depth gauge.
func (p *Processor) Reap(ctx context.Context) {
	now := p.now()
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if n, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil {
		p.log.Debug().Err(err).Msg("promote scheduled failed")
	} else if n > 0 {
		p.log.Debug().Int("count", n).Msg("scheduled retries promoted")
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, batch)
	if err != nil {
		p.log.Debug().Err(err).Msg("requeue expired failed")
	}
	for _, id := range reclaimed {
		p.log.Warn().Str("task_id", id).Msg("lease expired, task returned to ready")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
