package analysis

import (
	"context"
	"errors"
	"time"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/telemetry"
)

// Compile-time checks
var (
	_ Analyzer = (*limitedAnalyzer)(nil)
	_ Analyzer = (*throttledAnalyzer)(nil)
)

type limitedAnalyzer struct {
	inner Analyzer
	sem   chan struct{}
}

// NewLimited caps concurrent Analyze calls made through the returned analyzer.
func NewLimited(inner Analyzer, maxConcurrent int) Analyzer {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedAnalyzer{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedAnalyzer) Analyze(ctx context.Context, staged models.StagedObject) (models.AnalysisResult, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return models.AnalysisResult{}, faults.Transient("analysis", "wait for slot", ctx.Err())
	}
	defer func() { <-l.sem }()
	return l.inner.Analyze(ctx, staged)
}

// Taker hands out tokens from a shared budget; *ratelimit.TokenBucket implements it.
type Taker interface {
	Take(ctx context.Context, key string, maxWait time.Duration) (bool, error)
}

// ErrThrottled is wrapped into the transient error returned when no token was available.
var ErrThrottled = errors.New("analysis rate limit reached")

type throttledAnalyzer struct {
	inner   Analyzer
	bucket  Taker
	key     string
	maxWait time.Duration
}

// NewThrottled draws one token per call from bucket, waiting at most maxWait.
// A call that gets no token fails with a transient error so the task is retried later.
func NewThrottled(inner Analyzer, bucket Taker, key string, maxWait time.Duration) Analyzer {
	if bucket == nil {
		return inner
	}
	return &throttledAnalyzer{inner: inner, bucket: bucket, key: key, maxWait: maxWait}
}

func (t *throttledAnalyzer) Analyze(ctx context.Context, staged models.StagedObject) (models.AnalysisResult, error) {
	ok, err := t.bucket.Take(ctx, t.key, t.maxWait)
	if err != nil {
		return models.AnalysisResult{}, faults.Transient("analysis", "throttle", err)
	}
	if !ok {
		telemetry.AnalysisThrottled.Inc()
		return models.AnalysisResult{}, faults.Transient("analysis", "throttle", ErrThrottled)
	}
	return t.inner.Analyze(ctx, staged)
}
