// Package intake turns upload notifications into durable processing tasks.
package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/mediatype"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/telemetry"
)

// TaskStore persists task rows; *store.Store implements it.
type TaskStore interface {
	CreateTask(ctx context.Context, task models.ProcessingTask) (models.ProcessingTask, bool, error)
	ResetFailed(ctx context.Context, id string) (models.ProcessingTask, error)
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// TaskQueue accepts tasks for delivery; *queue.RedisQueue implements it.
type TaskQueue interface {
	Enqueue(ctx context.Context, task models.ProcessingTask) (bool, error)
	DLQRemove(ctx context.Context, taskID string) error
}

// Receipt describes what intake did with a notification.
type Receipt struct {
	TaskID    string `json:"taskId,omitempty"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Service validates notifications and enqueues one task per object version.
type Service struct {
	store       TaskStore
	queue       TaskQueue
	matcher     mediatype.Matcher
	maxAttempts int
	// ignoreUnsupported acknowledges unsupported objects instead of rejecting them.
	ignoreUnsupported bool
	log               zerolog.Logger
}

func NewService(st TaskStore, q TaskQueue, supportedExtensions []string, maxAttempts int, log zerolog.Logger) *Service {
	return &Service{
		store:       st,
		queue:       q,
		matcher:     mediatype.NewMatcher(supportedExtensions),
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// WithIgnoreUnsupported makes unsupported object types an ignored notification rather
// than a validation error.
func (s *Service) WithIgnoreUnsupported(ignore bool) *Service {
	s.ignoreUnsupported = ignore
	return s
}

// HandleUploadNotification accepts n, or ignores it when it does not announce an object
// creation. Missing fields and unsupported object types carry faults.ErrValidation; store
// or queue failures carry faults.ErrTransient and the caller should ask the sender to retry.
func (s *Service) HandleUploadNotification(ctx context.Context, n Notification) (Receipt, error) {
	if !IsCreation(n.EventType) {
		telemetry.NotificationsReceived.WithLabelValues("ignored").Inc()
		return Receipt{Reason: "event type " + n.EventType + " is not an object creation"}, nil
	}
	if n.Bucket == "" {
		telemetry.NotificationsReceived.WithLabelValues("invalid").Inc()
		return Receipt{}, faults.Validation("intake", "bucket is required", nil)
	}
	if n.ObjectPath == "" {
		telemetry.NotificationsReceived.WithLabelValues("invalid").Inc()
		return Receipt{}, faults.Validation("intake", "object path is required", nil)
	}
	if strings.HasSuffix(n.ObjectPath, "/") || !s.matcher.Supported(n.ObjectPath) {
		if s.ignoreUnsupported {
			telemetry.NotificationsReceived.WithLabelValues("ignored").Inc()
			return Receipt{Reason: "unsupported object type"}, nil
		}
		telemetry.NotificationsReceived.WithLabelValues("invalid").Inc()
		return Receipt{}, faults.Validation("intake", "unsupported object type "+n.ObjectPath, nil)
	}

	contentType := n.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mediatype.Detect(n.ObjectPath)
	}
	task := models.ProcessingTask{
		ID:          models.TaskID(n.Bucket, n.ObjectPath, n.Generation),
		Source:      models.ObjectLocation{Bucket: n.Bucket, Path: n.ObjectPath},
		Generation:  n.Generation,
		ContentType: contentType,
		Status:      models.StatusPending,
		MaxAttempts: s.maxAttempts,
	}
	log := s.log.With().Str("task_id", task.ID).Str("object", n.String()).Logger()

	stored, created, err := s.store.CreateTask(ctx, task)
	if err != nil {
		telemetry.NotificationsReceived.WithLabelValues("error").Inc()
		return Receipt{}, faults.Transient("intake", "create task", err)
	}
	if !created && stored.Status != models.StatusPending {
		// Running or terminal: the task already owns this object version.
		telemetry.NotificationsReceived.WithLabelValues("duplicate").Inc()
		telemetry.DuplicateCounter.Inc()
		s.audit(ctx, stored.ID, "duplicate", "status="+string(stored.Status))
		log.Debug().Str("status", string(stored.Status)).Msg("duplicate notification")
		return Receipt{TaskID: stored.ID, Accepted: true, Duplicate: true}, nil
	}

	// A pending row that is not queued (an earlier enqueue failed) is queued now; one
	// already queued is left alone by the queue.
	added, err := s.queue.Enqueue(ctx, stored)
	if err != nil {
		telemetry.NotificationsReceived.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("enqueue failed")
		return Receipt{}, faults.Transient("intake", "enqueue", err)
	}
	if added {
		telemetry.EnqueueCounter.Inc()
		s.audit(ctx, stored.ID, "enqueued", n.String())
	}
	duplicate := !created
	if duplicate {
		telemetry.DuplicateCounter.Inc()
	}
	telemetry.NotificationsReceived.WithLabelValues("accepted").Inc()
	log.Info().Bool("duplicate", duplicate).Bool("queued", added).Msg("notification accepted")
	return Receipt{TaskID: stored.ID, Accepted: true, Duplicate: duplicate}, nil
}

// Requeue gives a failed task a fresh attempt budget and queues it again.
func (s *Service) Requeue(ctx context.Context, taskID string) (models.ProcessingTask, error) {
	task, err := s.store.ResetFailed(ctx, taskID)
	if err != nil {
		return models.ProcessingTask{}, err
	}
	if err := s.queue.DLQRemove(ctx, taskID); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("dlq remove failed")
	}
	if _, err := s.queue.Enqueue(ctx, task); err != nil {
		return models.ProcessingTask{}, fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	s.audit(ctx, taskID, "requeued", "attempt budget reset")
	telemetry.EnqueueCounter.Inc()
	return task, nil
}

func (s *Service) audit(ctx context.Context, id, event, detail string) {
	if err := s.store.AppendAudit(ctx, id, event, detail); err != nil {
		s.log.Debug().Err(err).Str("task_id", id).Str("event", event).Msg("audit append failed")
	}
}
