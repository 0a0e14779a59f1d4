package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/models"
)

var staged = models.StagedObject{
	Source:      models.ObjectLocation{Bucket: "media", Path: "uploads/v1.mp4"},
	URI:         "gs://media/uploads/v1.mp4",
	ContentType: "video/mp4",
	SizeBytes:   1024,
}

type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, _ string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.contents = contents
	f.config = cfg
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: genai.NewContentFromText(text, genai.RoleModel),
	}}}
}

func TestGeminiAnalyze(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse(`{"summary":" A blue backpack. ","description":"[00:00 - 00:04] A person zips the front pocket.","labels":["Backpack","backpack"," travel "],"mediaType":"video","durationSeconds":12.5}`)}
	a := newGeminiAnalyzer(gen, "gemini-2.5-flash", "gs")
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	res, err := a.Analyze(context.Background(), staged)
	require.NoError(t, err)
	assert.Equal(t, "A blue backpack.", res.Summary)
	assert.Equal(t, []string{"backpack", "travel"}, res.Labels)
	assert.Equal(t, "video", res.MediaType)
	require.NotNil(t, res.DurationSeconds)
	assert.InDelta(t, 12.5, *res.DurationSeconds, 0.001)
	assert.Equal(t, "gs://media/uploads/v1.mp4", res.URI)
	assert.Equal(t, "gemini-2.5-flash", res.Model)
	assert.Equal(t, fixed, res.GeneratedAt)

	require.Len(t, gen.contents, 1)
	require.Len(t, gen.contents[0].Parts, 2)
	require.NotNil(t, gen.contents[0].Parts[0].FileData)
	assert.Equal(t, "gs://media/uploads/v1.mp4", gen.contents[0].Parts[0].FileData.FileURI)
	assert.Equal(t, "video/mp4", gen.contents[0].Parts[0].FileData.MIMEType)
	assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
}

func TestGeminiAnalyzeUsesPreviewAndInlinesLocalFiles(t *testing.T) {
	dir := t.TempDir()
	preview := filepath.Join(dir, "preview-photo.jpg")
	require.NoError(t, os.WriteFile(preview, []byte("jpeg-bytes"), 0o644))

	gen := &fakeGenerator{resp: textResponse("```json\n{\"summary\":\"A mug.\"}\n```")}
	a := newGeminiAnalyzer(gen, "m", "gs")
	in := staged
	in.ContentType = "image/png"
	in.PreviewURI = "file://" + preview

	res, err := a.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "A mug.", res.Summary)
	assert.Equal(t, "image", res.MediaType)

	part := gen.contents[0].Parts[0]
	require.NotNil(t, part.InlineData)
	assert.Equal(t, []byte("jpeg-bytes"), part.InlineData.Data)
	assert.Equal(t, "image/jpeg", part.InlineData.MIMEType)
}

type fakeFiles struct {
	uploaded []string
	polls    int
	deleted  []string
}

func (f *fakeFiles) UploadFromPath(_ context.Context, path string, cfg *genai.UploadFileConfig) (*genai.File, error) {
	f.uploaded = append(f.uploaded, path+"|"+cfg.MIMEType)
	return &genai.File{Name: "files/abc", State: genai.FileStateProcessing}, nil
}

func (f *fakeFiles) Get(_ context.Context, name string, _ *genai.GetFileConfig) (*genai.File, error) {
	f.polls++
	return &genai.File{Name: name, URI: "https://generativelanguage.googleapis.com/v1beta/" + name, State: genai.FileStateActive}, nil
}

func (f *fakeFiles) Delete(_ context.Context, name string, _ *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error) {
	f.deleted = append(f.deleted, name)
	return &genai.DeleteFileResponse{}, nil
}

func largeLocalVideo(t *testing.T) models.StagedObject {
	t.Helper()
	path := filepath.Join(t.TempDir(), "v1.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))
	in := staged
	in.URI = "file://" + path
	in.SizeBytes = 64
	return in
}

func TestGeminiAnalyzeUploadsLargeLocalFiles(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse(`{"summary":"A long clip."}`)}
	files := &fakeFiles{}
	a := newGeminiAnalyzer(gen, "m", "gs")
	a.files = files
	a.inlineBytes = 16
	a.pollEvery = time.Millisecond
	in := largeLocalVideo(t)

	res, err := a.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "A long clip.", res.Summary)

	require.Len(t, files.uploaded, 1)
	assert.Contains(t, files.uploaded[0], "|video/mp4")
	assert.Equal(t, 1, files.polls)
	part := gen.contents[0].Parts[0]
	assert.Nil(t, part.InlineData)
	require.NotNil(t, part.FileData)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/files/abc", part.FileData.FileURI)
	assert.Equal(t, []string{"files/abc"}, files.deleted)
}

func TestGeminiAnalyzeRejectsLargeLocalFilesWithoutUploads(t *testing.T) {
	gen := &fakeGenerator{resp: textResponse(`{"summary":"never"}`)}
	a := newGeminiAnalyzer(gen, "m", "gs")
	a.inlineBytes = 16

	_, err := a.Analyze(context.Background(), largeLocalVideo(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrPermanent)
	assert.Contains(t, err.Error(), "inline limit")
	assert.Nil(t, gen.contents, "the model must not be called")
}

func TestGeminiAnalyzeErrors(t *testing.T) {
	cases := []struct {
		name   string
		gen    *fakeGenerator
		marker error
	}{
		{"missing summary", &fakeGenerator{resp: textResponse(`{"labels":["x"]}`)}, faults.ErrPermanent},
		{"not json", &fakeGenerator{resp: textResponse(`sorry, I cannot`)}, faults.ErrTransient},
		{"no candidates", &fakeGenerator{resp: &genai.GenerateContentResponse{}}, faults.ErrTransient},
		{"blocked prompt", &fakeGenerator{resp: &genai.GenerateContentResponse{PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety}}}, faults.ErrPermanent},
		{"safety stop", &fakeGenerator{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}}, faults.ErrPermanent},
		{"bad request", &fakeGenerator{err: genai.APIError{Code: 400, Message: "unsupported mime type"}}, faults.ErrPermanent},
		{"quota", &fakeGenerator{err: genai.APIError{Code: 429, Message: "resource exhausted"}}, faults.ErrTransient},
		{"unavailable", &fakeGenerator{err: genai.APIError{Code: 503}}, faults.ErrTransient},
		{"deadline", &fakeGenerator{err: context.DeadlineExceeded}, faults.ErrTransient},
		{"network", &fakeGenerator{err: errors.New("connection reset")}, faults.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newGeminiAnalyzer(tc.gen, "m", "gs").Analyze(context.Background(), staged)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.marker)
		})
	}
}

type countingAnalyzer struct {
	active, peak atomic.Int32
	release      chan struct{}
}

func (c *countingAnalyzer) Analyze(context.Context, models.StagedObject) (models.AnalysisResult, error) {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-c.release
	c.active.Add(-1)
	return models.AnalysisResult{Summary: "ok"}, nil
}

func TestLimitedAnalyzerCapsConcurrency(t *testing.T) {
	inner := &countingAnalyzer{release: make(chan struct{})}
	a := NewLimited(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Analyze(context.Background(), staged)
		}()
	}
	require.Eventually(t, func() bool { return inner.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(inner.release)
	wg.Wait()
	assert.Equal(t, int32(2), inner.peak.Load())
}

func TestLimitedAnalyzerHonoursContext(t *testing.T) {
	inner := &countingAnalyzer{release: make(chan struct{})}
	a := NewLimited(inner, 1)
	go func() { _, _ = a.Analyze(context.Background(), staged) }()
	require.Eventually(t, func() bool { return inner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Analyze(ctx, staged)
	assert.ErrorIs(t, err, faults.ErrTransient)
	close(inner.release)
}

type fakeTaker struct {
	ok  bool
	err error
}

func (f fakeTaker) Take(context.Context, string, time.Duration) (bool, error) { return f.ok, f.err }

type stubAnalyzer struct{ calls int }

func (s *stubAnalyzer) Analyze(context.Context, models.StagedObject) (models.AnalysisResult, error) {
	s.calls++
	return models.AnalysisResult{Summary: "ok"}, nil
}

func TestThrottledAnalyzer(t *testing.T) {
	inner := &stubAnalyzer{}
	_, err := NewThrottled(inner, fakeTaker{ok: true}, "analysis", time.Second).Analyze(context.Background(), staged)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	_, err = NewThrottled(inner, fakeTaker{ok: false}, "analysis", time.Second).Analyze(context.Background(), staged)
	assert.ErrorIs(t, err, faults.ErrTransient)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, 1, inner.calls)

	_, err = NewThrottled(inner, fakeTaker{err: errors.New("redis down")}, "analysis", time.Second).Analyze(context.Background(), staged)
	assert.ErrorIs(t, err, faults.ErrTransient)
	assert.Equal(t, 1, inner.calls)

	assert.Same(t, Analyzer(inner), NewThrottled(inner, nil, "analysis", time.Second))
}
