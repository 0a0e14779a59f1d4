package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-analysis-pipeline/internal/faults"
)

type flakyBackend struct {
	mu       sync.Mutex
	stored   map[string]bool
	failKeys map[string]int // remaining failures per key
	deletes  int
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{stored: map[string]bool{}, failKeys: map[string]int{}}
}

func (b *flakyBackend) Put(_ context.Context, key, _, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored[key] = true
	return "mem://" + key, nil
}

func (b *flakyBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	if n := b.failKeys[key]; n > 0 {
		b.failKeys[key] = n - 1
		return errors.New("backend unavailable")
	}
	delete(b.stored, key)
	return nil
}

func writeTemp(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("payload"), 0o644))
	return p
}

func TestScopePutAndClose(t *testing.T) {
	backend := newFlakyBackend()
	mgr := NewManager(backend, "artifacts", zerolog.Nop())
	scope := mgr.OpenScope("task-1")

	loc, err := scope.Put(context.Background(), writeTemp(t, "frame.png"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "mem://artifacts/task-1/"))
	assert.True(t, strings.HasSuffix(loc, "-frame.png"))
	assert.Len(t, scope.Members(), 1)

	require.NoError(t, scope.Close(context.Background()))
	assert.Empty(t, backend.stored)
	assert.Empty(t, scope.Members())

	// Second close has nothing to do.
	require.NoError(t, scope.Close(context.Background()))
	assert.Equal(t, 1, backend.deletes)

	_, err = scope.Put(context.Background(), writeTemp(t, "late.png"))
	assert.ErrorIs(t, err, ErrScopeClosed)
}

func TestScopeCloseRetriesOnlyFailedMembers(t *testing.T) {
	backend := newFlakyBackend()
	mgr := NewManager(backend, "", zerolog.Nop())
	scope := mgr.OpenScope("task-2")

	_, err := scope.Put(context.Background(), writeTemp(t, "a.png"))
	require.NoError(t, err)
	_, err = scope.Put(context.Background(), writeTemp(t, "b.png"))
	require.NoError(t, err)

	members := scope.Members()
	require.Len(t, members, 2)
	backend.failKeys[members[1]] = 1

	err = scope.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrCleanup)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Equal(t, []string{members[1]}, cleanupErr.Keys)
	assert.Equal(t, []string{members[1]}, scope.Members())

	require.NoError(t, scope.Close(context.Background()))
	assert.Empty(t, backend.stored)
	assert.Equal(t, 3, backend.deletes)
}

func TestScopeCloseEmpty(t *testing.T) {
	scope := NewManager(newFlakyBackend(), "p", zerolog.Nop()).OpenScope("task-3")
	assert.NoError(t, scope.Close(context.Background()))
	assert.NoError(t, scope.Close(context.Background()))
}

func TestLocalBackend(t *testing.T) {
	base := t.TempDir()
	backend := NewLocalBackend(base)
	scope := NewManager(backend, "artifacts", zerolog.Nop()).OpenScope("task-4")

	loc, err := scope.Put(context.Background(), writeTemp(t, "clip.mp4"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc, "file://"))
	stored := strings.TrimPrefix(loc, "file://")
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, scope.Close(context.Background()))
	_, err = os.Stat(stored)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "artifacts", "task-4"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, backend.Delete(context.Background(), "../escape"))
}

type fakeLifecycle struct {
	existing []types.LifecycleRule
	getErr   error
	put      *s3.PutBucketLifecycleConfigurationInput
}

func (f *fakeLifecycle) GetBucketLifecycleConfiguration(context.Context, *s3.GetBucketLifecycleConfigurationInput, ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetBucketLifecycleConfigurationOutput{Rules: f.existing}, nil
}

func (f *fakeLifecycle) PutBucketLifecycleConfiguration(_ context.Context, in *s3.PutBucketLifecycleConfigurationInput, _ ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error) {
	f.put = in
	return &s3.PutBucketLifecycleConfigurationOutput{}, nil
}

func TestEnsureExpiryKeepsOtherRules(t *testing.T) {
	api := &fakeLifecycle{existing: []types.LifecycleRule{
		{ID: aws.String("archive-logs"), Status: types.ExpirationStatusEnabled},
		{ID: aws.String(ExpiryRuleID), Status: types.ExpirationStatusEnabled},
	}}
	require.NoError(t, EnsureExpiry(context.Background(), api, "artifacts-bucket", "artifacts", 2))
	require.NotNil(t, api.put)

	rules := api.put.LifecycleConfiguration.Rules
	require.Len(t, rules, 2)
	assert.Equal(t, "archive-logs", aws.ToString(rules[0].ID))
	assert.Equal(t, ExpiryRuleID, aws.ToString(rules[1].ID))
	assert.Equal(t, "artifacts/", aws.ToString(rules[1].Filter.Prefix))
	assert.Equal(t, int32(2), aws.ToInt32(rules[1].Expiration.Days))
}

func TestEnsureExpiryWithoutExistingConfiguration(t *testing.T) {
	api := &fakeLifecycle{getErr: &smithy.GenericAPIError{Code: "NoSuchLifecycleConfiguration"}}
	require.NoError(t, EnsureExpiry(context.Background(), api, "b", "", 1))
	require.Len(t, api.put.LifecycleConfiguration.Rules, 1)

	api = &fakeLifecycle{getErr: &smithy.GenericAPIError{Code: "AccessDenied"}}
	assert.Error(t, EnsureExpiry(context.Background(), api, "b", "", 1))
	assert.Nil(t, api.put)

	api = &fakeLifecycle{}
	require.NoError(t, EnsureExpiry(context.Background(), api, "b", "", 0))
	assert.Nil(t, api.put)
}
