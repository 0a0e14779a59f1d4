package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/queue"
)

// Dispatcher delivers leased tasks to the HTTP delivery endpoint (push mode).
// The endpoint answers 200 once the task is settled and 503 with Retry-After when the
// task should be retried.
type Dispatcher struct {
	url            string
	client         *http.Client
	backoffInitial time.Duration
	backoffMax     time.Duration
	log            zerolog.Logger
}

// NewDispatcher posts to cfg.DeliveryURL. A request may run for the lease minus half the
// safety margin, which leaves the endpoint its full attempt budget.
func NewDispatcher(cfg config.Config, log zerolog.Logger) *Dispatcher {
	timeout := cfg.VisibilityTimeout - cfg.LeaseMargin/2
	return &Dispatcher{
		url:            cfg.DeliveryURL,
		client:         &http.Client{Timeout: timeout},
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		log:            log,
	}
}

// Deliver implements Handler.
func (d *Dispatcher) Deliver(ctx context.Context, del *queue.Delivery) models.Outcome {
	if del.Task == nil {
		return models.Fail("missing task payload")
	}
	log := d.log.With().Str("task_id", del.TaskID).Int("redeliveries", del.Redeliveries).Logger()

	body, err := json.Marshal(del.Task)
	if err != nil {
		return models.Fail(fmt.Sprintf("encode task: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return models.Fail(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Redeliveries", strconv.Itoa(del.Redeliveries))

	resp, err := d.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("delivery request failed")
		return models.Retry(d.backoff(del), err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return models.Ack()
	}
	wait := d.backoff(del)
	if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
		wait = ra
	}
	log.Info().Int("status", resp.StatusCode).Dur("backoff", wait).Msg("delivery endpoint asked for retry")
	return models.Retry(wait, fmt.Sprintf("delivery endpoint returned %d", resp.StatusCode))
}

func (d *Dispatcher) backoff(del *queue.Delivery) time.Duration {
	return backoffWithJitter(d.backoffInitial, d.backoffMax, del.Redeliveries+1)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if wait := time.Until(t); wait > 0 {
			return wait
		}
	}
	return 0
}
