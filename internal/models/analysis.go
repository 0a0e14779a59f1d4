package models

import "time"

// StagedObject is what the analysis stage receives: a location it can read plus source metadata.
// PreviewURI, when set, is a downscaled rendition the analyzer reads instead of URI.
type StagedObject struct {
	Source      ObjectLocation `json:"source"`
	URI         string         `json:"uri"`
	ContentType string         `json:"contentType"`
	SizeBytes   int64          `json:"sizeBytes"`
	PreviewURI  string         `json:"previewUri,omitempty"`
}

// AnalysisResult is the immutable output of the analysis stage.
type AnalysisResult struct {
	Summary         string         `json:"summary"`
	Description     string         `json:"description,omitempty"`
	Labels          []string       `json:"labels,omitempty"`
	MediaType       string         `json:"mediaType,omitempty"`
	Source          ObjectLocation `json:"source"`
	URI             string         `json:"uri"`
	ContentType     string         `json:"contentType"`
	SizeBytes       int64          `json:"sizeBytes"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
	Model           string         `json:"model,omitempty"`
	GeneratedAt     time.Time      `json:"generatedAt"`
}

// IngestionRecord is the warehouse row keyed by TaskID.
type IngestionRecord struct {
	TaskID     string         `json:"taskId"`
	Generation string         `json:"generation"`
	Result     AnalysisResult `json:"result"`
	IngestedAt time.Time      `json:"ingestedAt"`
}
