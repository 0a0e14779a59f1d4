package warehouse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/models"
)

// memDB emulates the upsert on task_id so repeated ingests can be observed.
type memDB struct {
	statements []string
	rows       map[string][]any
	err        error
}

func newMemDB() *memDB { return &memDB{rows: map[string][]any{}} }

func (m *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.statements = append(m.statements, sql)
	if m.err != nil {
		return pgconn.CommandTag{}, m.err
	}
	if strings.Contains(sql, "INSERT INTO") {
		row := append([]any(nil), args...)
		if prev, ok := m.rows[args[0].(string)]; ok {
			row[14] = prev[14] // ingested_at survives the update
		}
		m.rows[args[0].(string)] = row
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (m *memDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func result(summary string) models.AnalysisResult {
	d := 12.5
	return models.AnalysisResult{
		Summary:         summary,
		Labels:          []string{"backpack"},
		MediaType:       "video",
		Source:          models.ObjectLocation{Bucket: "media", Path: "uploads/v1.mp4"},
		URI:             "gs://media/uploads/v1.mp4",
		ContentType:     "video/mp4",
		SizeBytes:       1024,
		DurationSeconds: &d,
		Model:           "gemini-2.5-flash",
		GeneratedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIngestUpsertsByTaskID(t *testing.T) {
	db := newMemDB()
	w, err := NewPostgresIngester(db, "analytics.media_analysis")
	require.NoError(t, err)
	first := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)
	w.now = func() time.Time { return first }

	taskID := models.TaskID("media", "uploads/v1.mp4", "1")
	require.NoError(t, w.Ingest(context.Background(), taskID, "1", result("first pass")))

	w.now = func() time.Time { return first.Add(time.Hour) }
	require.NoError(t, w.Ingest(context.Background(), taskID, "1", result("second pass")))

	require.Len(t, db.rows, 1)
	row := db.rows[taskID]
	assert.Equal(t, "second pass", row[9])
	assert.Equal(t, `["backpack"]`, row[11])
	assert.Equal(t, first, row[14])
	assert.Equal(t, pgtype.Float8{Float64: 12.5, Valid: true}, row[7])
	assert.Contains(t, db.statements[0], `"analytics"."media_analysis"`)
	assert.Contains(t, db.statements[0], "ON CONFLICT (task_id) DO UPDATE")
}

func TestIngestNilLabelsAndDuration(t *testing.T) {
	db := newMemDB()
	w, err := NewPostgresIngester(db, "media_analysis")
	require.NoError(t, err)

	res := result("image")
	res.Labels = nil
	res.DurationSeconds = nil
	require.NoError(t, w.Ingest(context.Background(), "t-1", "", res))
	row := db.rows["t-1"]
	assert.Equal(t, `[]`, row[11])
	assert.Equal(t, pgtype.Float8{}, row[7])

	assert.ErrorIs(t, w.Ingest(context.Background(), "", "", res), faults.ErrValidation)
}

func TestIngestClassifiesErrors(t *testing.T) {
	db := newMemDB()
	w, err := NewPostgresIngester(db, "media_analysis")
	require.NoError(t, err)

	db.err = &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
	assert.ErrorIs(t, w.Ingest(context.Background(), "t-1", "", result("x")), faults.ErrPermanent)

	db.err = &pgconn.PgError{Code: "23502", Message: "null value"}
	assert.ErrorIs(t, w.Ingest(context.Background(), "t-1", "", result("x")), faults.ErrPermanent)

	db.err = &pgconn.PgError{Code: "40001", Message: "serialization failure"}
	assert.ErrorIs(t, w.Ingest(context.Background(), "t-1", "", result("x")), faults.ErrTransient)

	db.err = errors.New("dial tcp: connection refused")
	assert.ErrorIs(t, w.Ingest(context.Background(), "t-1", "", result("x")), faults.ErrTransient)
}

func TestEnsureTable(t *testing.T) {
	db := newMemDB()
	w, err := NewPostgresIngester(db, "media_analysis")
	require.NoError(t, err)
	require.NoError(t, w.EnsureTable(context.Background()))
	assert.Contains(t, db.statements[0], `CREATE TABLE IF NOT EXISTS "media_analysis"`)
}

func TestParseTable(t *testing.T) {
	ident, err := ParseTable("analytics.assets")
	require.NoError(t, err)
	assert.Equal(t, `"analytics"."assets"`, ident.Sanitize())

	ident, err = ParseTable(`assets"; DROP TABLE tasks; --`)
	require.NoError(t, err)
	assert.Equal(t, `"assets""; DROP TABLE tasks; --"`, ident.Sanitize())

	for _, bad := range []string{"", "a..b", "a.b.c", ".x"} {
		_, err := ParseTable(bad)
		assert.Error(t, err, bad)
	}
}
