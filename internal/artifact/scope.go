// Package artifact tracks intermediate objects created while processing one task and
// removes them when the task's processing ends.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/mediatype"
	"media-analysis-pipeline/internal/telemetry"
)

// ErrScopeClosed is returned by Put after Close has been called.
var ErrScopeClosed = errors.New("artifact scope closed")

// CleanupError lists the artifacts that could not be deleted. It matches faults.ErrCleanup.
type CleanupError struct {
	Keys []string
	Errs []error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("artifact cleanup: %d of the scope's artifacts not deleted: %v", len(e.Keys), errors.Join(e.Errs...))
}

func (e *CleanupError) Is(target error) bool {
	return target == faults.ErrCleanup
}

func (e *CleanupError) Unwrap() []error {
	return e.Errs
}

// Manager opens scopes against one backend under a key prefix.
type Manager struct {
	backend Backend
	prefix  string
	log     zerolog.Logger
}

func NewManager(backend Backend, prefix string, log zerolog.Logger) *Manager {
	return &Manager{backend: backend, prefix: prefix, log: log}
}

// OpenScope starts tracking artifacts for scopeID, normally the task id.
func (m *Manager) OpenScope(scopeID string) *Scope {
	return &Scope{
		id:      scopeID,
		manager: m,
		log:     m.log.With().Str("scope", scopeID).Logger(),
	}
}

// Scope owns the artifacts created for one task.
// Members are deleted by Close; a failed delete keeps the member so a later Close retries it.
type Scope struct {
	id      string
	manager *Manager
	log     zerolog.Logger

	mu      sync.Mutex
	members []string
	closed  bool
}

// Put uploads the local file as a new artifact of this scope and returns its location.
func (s *Scope) Put(ctx context.Context, localPath string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrScopeClosed
	}
	key := s.keyFor(localPath)
	// Registered before the upload so a partial write is still cleaned up.
	s.members = append(s.members, key)
	s.mu.Unlock()

	loc, err := s.manager.backend.Put(ctx, key, localPath, mediatype.Detect(localPath))
	if err != nil {
		return "", fmt.Errorf("store artifact %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Str("location", loc).Msg("artifact stored")
	return loc, nil
}

// Members returns the keys still owned by the scope.
func (s *Scope) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members...)
}

// Close deletes every remaining member. It may be called any number of times; once all
// members are gone further calls are no-ops. Delete failures are logged and returned as
// a *CleanupError, and the failed members are kept for the next call.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pending := s.members
	s.members = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var failed *CleanupError
	for _, key := range pending {
		if err := s.manager.backend.Delete(ctx, key); err != nil {
			telemetry.CleanupFailures.Inc()
			s.log.Warn().Err(err).Str("key", key).Msg("artifact delete failed")
			if failed == nil {
				failed = &CleanupError{}
			}
			failed.Keys = append(failed.Keys, key)
			failed.Errs = append(failed.Errs, err)
			continue
		}
		s.log.Debug().Str("key", key).Msg("artifact deleted")
	}
	if failed == nil {
		return nil
	}

	s.mu.Lock()
	s.members = append(append([]string(nil), failed.Keys...), s.members...)
	s.mu.Unlock()
	return failed
}

func (s *Scope) keyFor(localPath string) string {
	name := ulid.Make().String() + "-" + filepath.Base(localPath)
	if s.manager.prefix == "" {
		return path.Join(s.id, name)
	}
	return path.Join(s.manager.prefix, s.id, name)
}
