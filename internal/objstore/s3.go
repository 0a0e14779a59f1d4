// Package objstore reads and writes objects through the S3 API. Google Cloud Storage is
// reached through its S3-compatible endpoint (S3_ENDPOINT=https://storage.googleapis.com).
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/models"
)

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	SizeBytes   int64
	ContentType string
}

// Client wraps an S3 client with the operations the pipeline needs.
type Client struct {
	s3 *s3.Client
}

// NewS3Client loads AWS configuration and applies the optional custom endpoint.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// New wraps an existing S3 client.
func New(client *s3.Client) *Client {
	return &Client{s3: client}
}

// Head returns size and content type of an object.
func (c *Client) Head(ctx context.Context, loc models.ObjectLocation) (ObjectInfo, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		return ObjectInfo{}, Classify("head", loc, err)
	}
	return ObjectInfo{
		SizeBytes:   aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Download copies an object into a new file under dir and returns its path and size.
// Objects larger than maxBytes (when positive) are rejected as permanent failures.
func (c *Client) Download(ctx context.Context, loc models.ObjectLocation, dir string, maxBytes int64) (string, int64, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		return "", 0, Classify("download", loc, err)
	}
	defer func() { _ = out.Body.Close() }()

	if maxBytes > 0 && aws.ToInt64(out.ContentLength) > maxBytes {
		return "", 0, faults.Permanent("staging", "download", fmt.Sprintf("%s exceeds %d bytes", loc, maxBytes), nil)
	}

	// Keep the base name so extension-based type detection still works on the copy.
	f, err := os.CreateTemp(dir, "*-"+filepath.Base(loc.Path))
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	var body io.Reader = out.Body
	if maxBytes > 0 {
		body = io.LimitReader(out.Body, maxBytes+1)
	}
	size, err := io.Copy(f, body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, faults.Transient("staging", "download", fmt.Errorf("copy %s: %w", loc, err))
	}
	if maxBytes > 0 && size > maxBytes {
		_ = os.Remove(f.Name())
		return "", 0, faults.Permanent("staging", "download", fmt.Sprintf("%s exceeds %d bytes", loc, maxBytes), nil)
	}
	return f.Name(), size, nil
}

// Upload writes a local file to bucket/key.
func (c *Client) Upload(ctx context.Context, bucket, key, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := c.s3.PutObject(ctx, in); err != nil {
		return Classify("upload", models.ObjectLocation{Bucket: bucket, Path: key}, err)
	}
	return nil
}

// Delete removes bucket/key. Deleting a missing object succeeds.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// IsNotFound reports whether err means the object or bucket does not exist.
func IsNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

// Classify tags an S3 error: missing or forbidden objects are permanent, the rest transient.
func Classify(op string, loc models.ObjectLocation, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return faults.Permanent("staging", op, loc.String()+" not found", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidObjectState", "InvalidBucketName":
			return faults.Permanent("staging", op, loc.String(), err)
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusForbidden {
		return faults.Permanent("staging", op, loc.String(), err)
	}
	return faults.Transient("staging", op, fmt.Errorf("%s: %w", loc, err))
}
