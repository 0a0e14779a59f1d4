// Package analysis turns a staged media object into a structured description.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/models"
)

// Analyzer produces an AnalysisResult for a staged object.
type Analyzer interface {
	Analyze(ctx context.Context, staged models.StagedObject) (models.AnalysisResult, error)
}

// modelOutput is the JSON document the model is asked to return.
type modelOutput struct {
	Summary         string   `json:"summary"`
	Description     string   `json:"description"`
	Labels          []string `json:"labels"`
	MediaType       string   `json:"mediaType"`
	DurationSeconds *float64 `json:"durationSeconds"`
}

// parseResult decodes the model's reply. A reply without a summary does not match the
// expected schema and will not improve on retry.
func parseResult(raw string, staged models.StagedObject, model, scheme string, now time.Time) (models.AnalysisResult, error) {
	text := stripFence(raw)
	if text == "" {
		return models.AnalysisResult{}, faults.Transient("analysis", "decode", fmt.Errorf("empty model reply"))
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return models.AnalysisResult{}, faults.Transient("analysis", "decode", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Summary == "" {
		return models.AnalysisResult{}, faults.Permanent("analysis", "decode", "reply has no summary", nil)
	}
	if out.DurationSeconds != nil && *out.DurationSeconds < 0 {
		out.DurationSeconds = nil
	}

	labels := make([]string, 0, len(out.Labels))
	seen := make(map[string]struct{}, len(out.Labels))
	for _, l := range out.Labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if _, dup := seen[l]; l == "" || dup {
			continue
		}
		seen[l] = struct{}{}
		labels = append(labels, l)
	}

	mediaType := out.MediaType
	if mediaType == "" {
		mediaType, _, _ = strings.Cut(staged.ContentType, "/")
	}

	return models.AnalysisResult{
		Summary:         out.Summary,
		Description:     strings.TrimSpace(out.Description),
		Labels:          labels,
		MediaType:       mediaType,
		Source:          staged.Source,
		URI:             staged.Source.URI(scheme),
		ContentType:     staged.ContentType,
		SizeBytes:       staged.SizeBytes,
		DurationSeconds: out.DurationSeconds,
		Model:           model,
		GeneratedAt:     now.UTC(),
	}, nil
}

// stripFence removes a ```json ... ``` wrapper some models add despite the JSON mime type.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
