package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/intake"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/store"
	"media-analysis-pipeline/internal/warehouse"
)

type fakeIntake struct {
	got     []intake.Notification
	receipt intake.Receipt
	err     error
}

func (f *fakeIntake) HandleUploadNotification(_ context.Context, n intake.Notification) (intake.Receipt, error) {
	f.got = append(f.got, n)
	return f.receipt, f.err
}

type fakeLedger struct {
	tasks map[string]models.ProcessingTask
}

func (f *fakeLedger) GetTask(_ context.Context, id string) (models.ProcessingTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return models.ProcessingTask{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return t, nil
}

func (f *fakeLedger) ListTasks(_ context.Context, ids []string) ([]models.ProcessingTask, error) {
	var out []models.ProcessingTask
	for _, id := range ids {
		if t, ok := f.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) AuditTrail(_ context.Context, taskID string, _ int) ([]models.AuditLog, error) {
	return []models.AuditLog{{TaskID: taskID, Event: "enqueued"}}, nil
}

type fakeDLQ []string

func (f fakeDLQ) DLQPeek(context.Context, int64) ([]string, error) { return f, nil }

type fakeHandler struct{ out models.Outcome }

func (f fakeHandler) Handle(context.Context, models.ProcessingTask) models.Outcome { return f.out }

type fakeResults map[string]models.IngestionRecord

func (f fakeResults) Get(_ context.Context, id string) (models.IngestionRecord, error) {
	rec, ok := f[id]
	if !ok {
		return models.IngestionRecord{}, fmt.Errorf("%w: %s", warehouse.ErrNoRecord, id)
	}
	return rec, nil
}

func newTestServer(in *fakeIntake, handler TaskHandler) (http.Handler, *fakeLedger) {
	task := models.ProcessingTask{ID: "t1", Status: models.StatusFailed, Source: models.ObjectLocation{Bucket: "media", Path: "v1.mp4"}}
	ledger := &fakeLedger{tasks: map[string]models.ProcessingTask{"t1": task}}
	srv := New(Deps{
		Intake:  in,
		Ledger:  ledger,
		DLQ:     fakeDLQ{"t1"},
		Tasks:   handler,
		Results: fakeResults{"t1": {TaskID: "t1", Result: models.AnalysisResult{Summary: "a red backpack"}}},
	}, zerolog.Nop())
	return srv.Router(), ledger
}

func do(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNotificationStatusCodes(t *testing.T) {
	in := &fakeIntake{receipt: intake.Receipt{TaskID: "t1", Accepted: true}}
	h, _ := newTestServer(in, nil)

	rec := do(h, http.MethodPost, "/notifications", `{"bucket":"media","objectPath":"v1.mp4","generation":"1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var receipt intake.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, "t1", receipt.TaskID)

	rec = do(h, http.MethodPost, "/notifications", `{"bucket":"media","name":"v1.mp4"}`, "ce-type", "google.cloud.storage.object.v1.finalized")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "google.cloud.storage.object.v1.finalized", in.got[1].EventType)

	rec = do(h, http.MethodPost, "/notifications", `{oops`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	in.receipt = intake.Receipt{Reason: "event type OBJECT_DELETE is not an object creation"}
	rec = do(h, http.MethodPost, "/notifications", `{"bucket":"media","objectPath":"v1.mp4","eventType":"OBJECT_DELETE"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	in.receipt = intake.Receipt{TaskID: "t1", Accepted: true}

	in.err = faults.Validation("intake", "bucket is required", nil)
	rec = do(h, http.MethodPost, "/notifications", `{"objectPath":"v1.mp4"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	in.err = faults.Transient("intake", "enqueue", errors.New("redis down"))
	rec = do(h, http.MethodPost, "/notifications", `{"bucket":"media","objectPath":"v1.mp4"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNotificationUnsupportedObjectType(t *testing.T) {
	// Store and queue are never reached for an unsupported type.
	strict := intake.NewService(nil, nil, []string{"mp4"}, 6, zerolog.Nop())
	h := New(Deps{Intake: strict}, zerolog.Nop()).Router()
	rec := do(h, http.MethodPost, "/notifications", `{"bucket":"media","objectPath":"notes.docx","generation":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported object type")

	lenient := intake.NewService(nil, nil, []string{"mp4"}, 6, zerolog.Nop()).WithIgnoreUnsupported(true)
	h = New(Deps{Intake: lenient}, zerolog.Nop()).Router()
	rec = do(h, http.MethodPost, "/notifications", `{"bucket":"media","objectPath":"notes.docx","generation":"1"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestProcessEndpoint(t *testing.T) {
	body := `{"taskId":"t1","sourceLocation":{"bucket":"media","objectPath":"v1.mp4"}}`

	h, _ := newTestServer(&fakeIntake{}, fakeHandler{out: models.Ack()})
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/tasks/process", body).Code)

	h, _ = newTestServer(&fakeIntake{}, fakeHandler{out: models.Fail("permanent")})
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/tasks/process", body).Code)

	h, _ = newTestServer(&fakeIntake{}, fakeHandler{out: models.Retry(2500*time.Millisecond, "transient")})
	rec := do(h, http.MethodPost, "/tasks/process", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/tasks/process", `{}`).Code)

	h, _ = newTestServer(&fakeIntake{}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodPost, "/tasks/process", body).Code)
}

func TestReadRoutes(t *testing.T) {
	h, _ := newTestServer(&fakeIntake{}, nil)

	rec := do(h, http.MethodGet, "/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusFailed, got.Task.Status)
	assert.Len(t, got.Audit, 1)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/tasks/missing", "").Code)

	rec = do(h, http.MethodGet, "/tasks/t1/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "a red backpack")
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/tasks/t2/result", "").Code)

	rec = do(h, http.MethodGet, "/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dlq struct {
		Items []string                `json:"items"`
		Tasks []models.ProcessingTask `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dlq))
	assert.Equal(t, []string{"t1"}, dlq.Items)
	require.Len(t, dlq.Tasks, 1)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "").Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 10, retryAfterSeconds(10*time.Second))
	assert.Equal(t, 11, retryAfterSeconds(10*time.Second+time.Millisecond))
}
