// Package warehouse persists analysis results as ingestion records keyed by task id.
package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/models"
)

// Ingester writes an analysis result for a task. Writing the same task again replaces the row.
type Ingester interface {
	Ingest(ctx context.Context, taskID, generation string, result models.AnalysisResult) error
}

// DB is the part of pgxpool.Pool the ingester uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNoRecord is returned by Get when the task has not been ingested.
var ErrNoRecord = errors.New("no ingestion record")

// PostgresIngester upserts ingestion records into one table.
type PostgresIngester struct {
	db    DB
	table string
	now   func() time.Time
}

// NewPostgresIngester targets table, given as "name" or "schema.name".
func NewPostgresIngester(db DB, table string) (*PostgresIngester, error) {
	ident, err := ParseTable(table)
	if err != nil {
		return nil, err
	}
	return &PostgresIngester{db: db, table: ident.Sanitize(), now: time.Now}, nil
}

// ParseTable validates a table reference and returns it as a quoted identifier.
func ParseTable(table string) (pgx.Identifier, error) {
	parts := strings.Split(strings.TrimSpace(table), ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid warehouse table %q", table)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid warehouse table %q", table)
		}
	}
	return pgx.Identifier(parts), nil
}

// EnsureTable creates the destination table when it does not exist yet.
func (w *PostgresIngester) EnsureTable(ctx context.Context) error {
	_, err := w.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+w.table+` (
			task_id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			object_path TEXT NOT NULL,
			generation TEXT NOT NULL DEFAULT '',
			uri TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION,
			media_type TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			labels JSONB NOT NULL DEFAULT '[]'::jsonb,
			model TEXT NOT NULL DEFAULT '',
			analyzed_at TIMESTAMPTZ NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure warehouse table: %w", err)
	}
	return nil
}

// Ingest upserts the record for taskID. ingested_at keeps the first write; updated_at moves.
func (w *PostgresIngester) Ingest(ctx context.Context, taskID, generation string, result models.AnalysisResult) error {
	if taskID == "" {
		return faults.Validation("ingestion", "empty task id", nil)
	}
	labels := result.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return faults.Permanent("ingestion", "encode labels", "", err)
	}
	now := w.now().UTC()
	var duration pgtype.Float8
	if result.DurationSeconds != nil {
		duration = pgtype.Float8{Float64: *result.DurationSeconds, Valid: true}
	}

	_, err = w.db.Exec(ctx, `
		INSERT INTO `+w.table+` (task_id, bucket, object_path, generation, uri, content_type, size_bytes,
			duration_seconds, media_type, summary, description, labels, model, analyzed_at, ingested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (task_id) DO UPDATE SET
			bucket = EXCLUDED.bucket,
			object_path = EXCLUDED.object_path,
			generation = EXCLUDED.generation,
			uri = EXCLUDED.uri,
			content_type = EXCLUDED.content_type,
			size_bytes = EXCLUDED.size_bytes,
			duration_seconds = EXCLUDED.duration_seconds,
			media_type = EXCLUDED.media_type,
			summary = EXCLUDED.summary,
			description = EXCLUDED.description,
			labels = EXCLUDED.labels,
			model = EXCLUDED.model,
			analyzed_at = EXCLUDED.analyzed_at,
			updated_at = EXCLUDED.updated_at`,
		taskID, result.Source.Bucket, result.Source.Path, generation, result.URI, result.ContentType, result.SizeBytes,
		duration, result.MediaType, result.Summary, result.Description, string(labelsJSON), result.Model,
		result.GeneratedAt, now)
	if err != nil {
		return Classify(err)
	}
	return nil
}

// Get reads back the record for taskID.
func (w *PostgresIngester) Get(ctx context.Context, taskID string) (models.IngestionRecord, error) {
	var rec models.IngestionRecord
	var labels []byte
	var duration pgtype.Float8
	err := w.db.QueryRow(ctx, `
		SELECT task_id, generation, bucket, object_path, uri, content_type, size_bytes, duration_seconds,
			media_type, summary, description, labels, model, analyzed_at, ingested_at
		FROM `+w.table+` WHERE task_id = $1`, taskID).Scan(
		&rec.TaskID, &rec.Generation, &rec.Result.Source.Bucket, &rec.Result.Source.Path, &rec.Result.URI,
		&rec.Result.ContentType, &rec.Result.SizeBytes, &duration, &rec.Result.MediaType, &rec.Result.Summary,
		&rec.Result.Description, &labels, &rec.Result.Model, &rec.Result.GeneratedAt, &rec.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IngestionRecord{}, fmt.Errorf("%w: %s", ErrNoRecord, taskID)
	}
	if err != nil {
		return models.IngestionRecord{}, fmt.Errorf("read ingestion record: %w", err)
	}
	if duration.Valid {
		d := duration.Float64
		rec.Result.DurationSeconds = &d
	}
	if err := json.Unmarshal(labels, &rec.Result.Labels); err != nil {
		return models.IngestionRecord{}, fmt.Errorf("decode labels: %w", err)
	}
	return rec, nil
}

// Classify tags a Postgres error. Data, constraint and schema errors (SQLSTATE classes 22, 23, 42)
// will fail again on retry; anything else, including connection loss, is transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return faults.Permanent("ingestion", "upsert", pgErr.Code, err)
		}
	}
	return faults.Transient("ingestion", "upsert", err)
}
