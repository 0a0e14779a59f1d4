package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-analysis-pipeline/internal/models"
)

// ErrNotFound is returned when no task row matches.
var ErrNotFound = errors.New("task not found")

// Store wraps pgxpool for Postgres persistence of the task ledger.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool shares the connection pool with components that write to the same database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `task_id, bucket, object_path, generation, content_type, status, attempt_count, max_attempts, last_error, created_at, last_attempt_at, updated_at`

// CreateTask inserts a pending task row keyed by task_id. The caller sets MaxAttempts.
// It returns the stored task and whether this call created it; duplicates return the existing row.
func (s *Store) CreateTask(ctx context.Context, task models.ProcessingTask) (models.ProcessingTask, bool, error) {
	if task.MaxAttempts < 1 {
		return models.ProcessingTask{}, false, fmt.Errorf("create task %s: max attempts must be at least 1", task.ID)
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (task_id, bucket, object_path, generation, content_type, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		ON CONFLICT (task_id) DO NOTHING
		RETURNING `+taskColumns,
		task.ID, task.Source.Bucket, task.Source.Path, task.Generation, task.ContentType, string(models.StatusPending), task.MaxAttempts, now)

	created, err := scanTask(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingTask{}, false, fmt.Errorf("insert task: %w", err)
	}
	existing, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return models.ProcessingTask{}, false, err
	}
	return existing, false, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.ProcessingTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingTask{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.ProcessingTask{}, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// ListTasks returns the rows for the given ids, skipping ids that do not exist.
func (s *Store) ListTasks(ctx context.Context, ids []string) ([]models.ProcessingTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ANY($1) ORDER BY updated_at DESC`, ids)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// BeginAttempt moves a pending (or abandoned running) task to running and counts the attempt.
// When the task is already terminal it is returned unchanged with started=false.
func (s *Store) BeginAttempt(ctx context.Context, id string) (models.ProcessingTask, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, attempt_count = attempt_count + 1, last_attempt_at = NOW(), updated_at = NOW()
		WHERE task_id = $1 AND status IN ($3, $2)
		RETURNING `+taskColumns,
		id, string(models.StatusRunning), string(models.StatusPending))
	task, err := scanTask(row)
	if err == nil {
		return task, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingTask{}, false, fmt.Errorf("begin attempt: %w", err)
	}
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return models.ProcessingTask{}, false, err
	}
	return existing, false, nil
}

// MarkSucceeded transitions a task to succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = NULL, next_run_at = NULL, updated_at = NOW() WHERE task_id = $1
	`, id, string(models.StatusSucceeded))
	return err
}

// MarkRetry returns a task to pending with the error that caused the retry.
func (s *Store) MarkRetry(ctx context.Context, id string, lastErr string, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, next_run_at = $4, updated_at = NOW()
		WHERE task_id = $1
	`, id, string(models.StatusPending), lastErr, nextRun)
	return err
}

// MarkFailed flags a task as terminally failed, keeping the last error for operators.
func (s *Store) MarkFailed(ctx context.Context, id string, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, next_run_at = NULL, updated_at = NOW()
		WHERE task_id = $1
	`, id, string(models.StatusFailed), lastErr)
	return err
}

// ResetFailed returns a terminally failed task to pending with a fresh attempt budget.
func (s *Store) ResetFailed(ctx context.Context, id string) (models.ProcessingTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $2, attempt_count = 0, last_error = NULL, next_run_at = NULL, updated_at = NOW()
		WHERE task_id = $1 AND status = $3
		RETURNING `+taskColumns,
		id, string(models.StatusPending), string(models.StatusFailed))
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingTask{}, fmt.Errorf("%w: %s is not in failed state", ErrNotFound, id)
	}
	if err != nil {
		return models.ProcessingTask{}, fmt.Errorf("reset task: %w", err)
	}
	return task, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

// AuditTrail returns the most recent audit rows for a task, newest first.
func (s *Store) AuditTrail(ctx context.Context, taskID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event, detail, ts FROM audit_logs WHERE task_id = $1 ORDER BY ts DESC, id DESC LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.TaskID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (models.ProcessingTask, error) {
	var task models.ProcessingTask
	var status string
	var lastErr pgtype.Text
	var lastAttempt pgtype.Timestamptz
	if err := row.Scan(
		&task.ID, &task.Source.Bucket, &task.Source.Path, &task.Generation, &task.ContentType,
		&status, &task.AttemptCount, &task.MaxAttempts, &lastErr, &task.CreatedAt, &lastAttempt, &task.UpdatedAt,
	); err != nil {
		return models.ProcessingTask{}, err
	}
	task.Status = models.TaskStatus(status)
	task.LastError = textPtr(lastErr)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		task.LastAttemptAt = &t
	}
	return task, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
