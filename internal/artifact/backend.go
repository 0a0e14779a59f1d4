package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"media-analysis-pipeline/internal/objstore"
)

// Backend stores and removes artifact objects by key.
type Backend interface {
	// Put copies the local file to key and returns the location readers should use.
	Put(ctx context.Context, key, localPath, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// S3Backend keeps artifacts in a bucket reached through the S3 API.
type S3Backend struct {
	client *objstore.Client
	bucket string
	scheme string
}

// NewS3Backend writes to bucket and reports locations with the given URI scheme (gs or s3).
func NewS3Backend(client *objstore.Client, bucket, scheme string) *S3Backend {
	if scheme == "" {
		scheme = "gs"
	}
	return &S3Backend{client: client, bucket: bucket, scheme: scheme}
}

func (b *S3Backend) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	if err := b.client.Upload(ctx, b.bucket, key, localPath, contentType); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s/%s", b.scheme, b.bucket, key), nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	return b.client.Delete(ctx, b.bucket, key)
}

// LocalBackend keeps artifacts under a directory on disk. It is used when no artifact bucket is configured.
type LocalBackend struct {
	baseDir string
}

func NewLocalBackend(baseDir string) *LocalBackend {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "media-artifacts")
	}
	return &LocalBackend{baseDir: baseDir}
}

func (l *LocalBackend) Put(ctx context.Context, key, localPath, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	in, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return "file://" + abs, nil
}

func (l *LocalBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	// Drop the scope directory once it is empty; a non-empty dir just stays.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

func (l *LocalBackend) path(key string) (string, error) {
	key = filepath.Clean(filepath.FromSlash(key))
	key = strings.TrimPrefix(key, string(filepath.Separator))
	if key == "." || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(l.baseDir, key), nil
}
