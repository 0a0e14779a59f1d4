package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus enumerates lifecycle states persisted in Postgres.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further delivery should process the task.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// taskNamespace scopes UUIDv5 task ids; changing it re-keys every task.
var taskNamespace = uuid.MustParse("6f1d6c2e-3b7a-5f0e-9c55-0d1c7a9e4b21")

// ObjectLocation points at an object in a bucket.
type ObjectLocation struct {
	Bucket string `json:"bucket"`
	Path   string `json:"objectPath"`
}

// URI renders the location with the given scheme, e.g. gs://bucket/path.
func (l ObjectLocation) URI(scheme string) string {
	if scheme == "" {
		scheme = "gs"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, l.Bucket, l.Path)
}

func (l ObjectLocation) String() string {
	return l.Bucket + "/" + l.Path
}

// TaskID derives the stable task identifier for one version of an uploaded object.
// Identical (bucket, path, generation) triples always map to the same id.
func TaskID(bucket, objectPath, generation string) string {
	return uuid.NewSHA1(taskNamespace, []byte(bucket+"/"+objectPath+"#"+generation)).String()
}

// ProcessingTask is one durable unit of work derived from an upload notification.
type ProcessingTask struct {
	ID            string         `json:"taskId"`
	Source        ObjectLocation `json:"sourceLocation"`
	Generation    string         `json:"generation,omitempty"`
	ContentType   string         `json:"contentType,omitempty"`
	Status        TaskStatus     `json:"status"`
	AttemptCount  int            `json:"attemptCount"`
	MaxAttempts   int            `json:"maxAttempts"`
	LastError     *string        `json:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
