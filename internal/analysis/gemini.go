package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/mediatype"
	"media-analysis-pipeline/internal/models"
)

const instruction = `You describe digital media assets for an accessible product catalogue.
Describe only what is visible or audible. Use present tense and plain language.
Read any on-screen text verbatim.

Reply with a single JSON object and nothing else:
{
  "summary": "one or two sentences identifying the asset",
  "description": "for video or audio, lines of the form [mm:ss - mm:ss] text; for images or documents, a paragraph",
  "labels": ["short lowercase tags"],
  "mediaType": "video | image | audio | document",
  "durationSeconds": number or null
}`

// generator is the part of the genai client the analyzer calls; *genai.Models implements it.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// fileStore uploads media too large to inline; *genai.Files implements it.
// The Files API exists only on the Gemini API backend.
type fileStore interface {
	UploadFromPath(ctx context.Context, path string, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

const defaultInlineBytes = 20 << 20

// GeminiAnalyzer asks a Gemini model to describe the staged object.
type GeminiAnalyzer struct {
	gen         generator
	files       fileStore
	model       string
	scheme      string
	inlineBytes int64
	pollEvery   time.Duration
	now         func() time.Time
}

// NewGeminiClient builds a genai client for the Vertex AI or Gemini API backend.
func NewGeminiClient(ctx context.Context, cfg config.Config) (*genai.Client, error) {
	cc := &genai.ClientConfig{}
	switch cfg.GenAIBackend {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, errors.New("gemini backend requires GEMINI_API_KEY")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.GeminiAPIKey
	case "vertex", "":
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.GCPProject
		cc.Location = cfg.GCPLocation
	default:
		return nil, fmt.Errorf("unknown genai backend %q", cfg.GenAIBackend)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return client, nil
}

// NewGeminiAnalyzer wraps a genai client built by NewGeminiClient from the same cfg.
func NewGeminiAnalyzer(client *genai.Client, cfg config.Config) *GeminiAnalyzer {
	g := newGeminiAnalyzer(client.Models, cfg.AnalysisModel, cfg.ObjectURIScheme)
	if cfg.AnalysisInlineBytes > 0 {
		g.inlineBytes = cfg.AnalysisInlineBytes
	}
	if cfg.GenAIBackend == "gemini" {
		g.files = client.Files
	}
	return g
}

func newGeminiAnalyzer(gen generator, model, scheme string) *GeminiAnalyzer {
	return &GeminiAnalyzer{
		gen:         gen,
		model:       model,
		scheme:      scheme,
		inlineBytes: defaultInlineBytes,
		pollEvery:   2 * time.Second,
		now:         time.Now,
	}
}

func (g *GeminiAnalyzer) Analyze(ctx context.Context, staged models.StagedObject) (models.AnalysisResult, error) {
	media, release, err := g.mediaPart(ctx, staged)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	defer release()
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			media,
			genai.NewPartFromText("Describe this asset: " + staged.Source.URI(g.scheme)),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}

	resp, err := g.gen.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return models.AnalysisResult{}, classify(err)
	}
	text, err := replyText(resp)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	return parseResult(text, staged, g.model, g.scheme, g.now())
}

// mediaPart references the staged object by URI. Local files are inlined up to
// inlineBytes and uploaded through the Files API above that; release drops the upload.
func (g *GeminiAnalyzer) mediaPart(ctx context.Context, staged models.StagedObject) (*genai.Part, func(), error) {
	noop := func() {}
	uri, ct := staged.URI, staged.ContentType
	if staged.PreviewURI != "" {
		uri, ct = staged.PreviewURI, mediatype.Detect(staged.PreviewURI)
	}
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return genai.NewPartFromURI(uri, ct), noop, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, noop, faults.Transient("analysis", "stat staged file", err)
	}
	if info.Size() <= g.inlineBytes {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, noop, faults.Transient("analysis", "read staged file", err)
		}
		return genai.NewPartFromBytes(data, ct), noop, nil
	}
	if g.files == nil {
		return nil, noop, faults.Permanent("analysis", "inline media",
			fmt.Sprintf("%d bytes exceeds the %d byte inline limit and the backend has no file uploads", info.Size(), g.inlineBytes), nil)
	}
	file, err := g.upload(ctx, path, ct)
	if err != nil {
		return nil, noop, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_, _ = g.files.Delete(ctx, file.Name, nil)
	}
	return genai.NewPartFromURI(file.URI, ct), release, nil
}

// upload sends path to the Files API and waits until the service has processed it.
func (g *GeminiAnalyzer) upload(ctx context.Context, path, contentType string) (*genai.File, error) {
	file, err := g.files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: contentType})
	if err != nil {
		return nil, classify(err)
	}
	for file.State == genai.FileStateProcessing {
		t := time.NewTimer(g.pollEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, faults.Transient("analysis", "await upload", ctx.Err())
		case <-t.C:
		}
		if file, err = g.files.Get(ctx, file.Name, nil); err != nil {
			return nil, classify(err)
		}
	}
	if file.State == genai.FileStateFailed {
		return nil, faults.Permanent("analysis", "await upload", "file processing failed for "+file.Name, nil)
	}
	return file, nil
}

func replyText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", faults.Transient("analysis", "generate", errors.New("empty response"))
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", faults.Permanent("analysis", "generate", fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason), nil)
		}
		return "", faults.Transient("analysis", "generate", errors.New("no candidates"))
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety || cand.FinishReason == genai.FinishReasonProhibitedContent {
		return "", faults.Permanent("analysis", "generate", fmt.Sprintf("reply withheld: %s", cand.FinishReason), nil)
	}
	if cand.Content == nil {
		return "", faults.Transient("analysis", "generate", errors.New("candidate has no content"))
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// classify maps genai API errors onto the fault taxonomy: rejected requests are permanent,
// quota and server errors transient.
func classify(err error) error {
	if faults.Deadline(err) {
		return faults.Transient("analysis", "generate", err)
	}
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return faults.Permanent("analysis", "generate", fmt.Sprintf("model rejected request (%d)", code), err)
	}
	return faults.Transient("analysis", "generate", err)
}
