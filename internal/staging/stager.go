// Package staging makes a task's source object readable by the analysis stage, either by
// referencing it in place or by copying it into the task's artifact scope.
package staging

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/faults"
	"media-analysis-pipeline/internal/mediatype"
	"media-analysis-pipeline/internal/models"
	"media-analysis-pipeline/internal/objstore"
)

// ObjectReader reads source objects.
type ObjectReader interface {
	Head(ctx context.Context, loc models.ObjectLocation) (objstore.ObjectInfo, error)
	Download(ctx context.Context, loc models.ObjectLocation, dir string, maxBytes int64) (string, int64, error)
}

// ArtifactSink receives intermediate files; *artifact.Scope implements it.
type ArtifactSink interface {
	Put(ctx context.Context, localPath string) (string, error)
}

// Stager exposes a task's source object to the analysis stage.
type Stager interface {
	Stage(ctx context.Context, task models.ProcessingTask, sink ArtifactSink) (models.StagedObject, error)
}

// Options tune staging.
type Options struct {
	Mode                string
	URIScheme           string
	TempDir             string
	MaxObjectBytes      int64
	PreviewMaxDimension int
}

// OptionsFromConfig maps configuration onto staging options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Mode:                cfg.StagingMode,
		URIScheme:           cfg.ObjectURIScheme,
		MaxObjectBytes:      cfg.MaxObjectBytes,
		PreviewMaxDimension: cfg.PreviewMaxDimension,
	}
}

// New returns the stager for opts.Mode.
func New(reader ObjectReader, opts Options, log zerolog.Logger) (Stager, error) {
	switch opts.Mode {
	case config.StagingReference, "":
		return &referenceStager{reader: reader, scheme: opts.URIScheme}, nil
	case config.StagingCopy:
		return &copyStager{reader: reader, opts: opts, log: log}, nil
	default:
		return nil, fmt.Errorf("unknown staging mode %q", opts.Mode)
	}
}

type referenceStager struct {
	reader ObjectReader
	scheme string
}

func (s *referenceStager) Stage(ctx context.Context, task models.ProcessingTask, _ ArtifactSink) (models.StagedObject, error) {
	info, err := s.reader.Head(ctx, task.Source)
	if err != nil {
		return models.StagedObject{}, err
	}
	return models.StagedObject{
		Source:      task.Source,
		URI:         task.Source.URI(s.scheme),
		ContentType: contentType(task, info.ContentType),
		SizeBytes:   info.SizeBytes,
	}, nil
}

type copyStager struct {
	reader ObjectReader
	opts   Options
	log    zerolog.Logger
}

func (s *copyStager) Stage(ctx context.Context, task models.ProcessingTask, sink ArtifactSink) (models.StagedObject, error) {
	if sink == nil {
		return models.StagedObject{}, faults.Permanent("staging", "copy", "no artifact scope", nil)
	}
	dir, err := os.MkdirTemp(s.opts.TempDir, "stage-*")
	if err != nil {
		return models.StagedObject{}, faults.Transient("staging", "tempdir", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	local, size, err := s.reader.Download(ctx, task.Source, dir, s.opts.MaxObjectBytes)
	if err != nil {
		return models.StagedObject{}, err
	}
	uri, err := sink.Put(ctx, local)
	if err != nil {
		return models.StagedObject{}, faults.Transient("staging", "store copy", err)
	}

	staged := models.StagedObject{
		Source:      task.Source,
		URI:         uri,
		ContentType: contentType(task, ""),
		SizeBytes:   size,
	}
	if !mediatype.IsImage(staged.ContentType) || s.opts.PreviewMaxDimension <= 0 {
		return staged, nil
	}

	preview, err := writePreview(local, dir, s.opts.PreviewMaxDimension)
	if err != nil {
		// The full-size copy is still usable.
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("preview skipped")
		return staged, nil
	}
	if staged.PreviewURI, err = sink.Put(ctx, preview); err != nil {
		return models.StagedObject{}, faults.Transient("staging", "store preview", err)
	}
	return staged, nil
}

func contentType(task models.ProcessingTask, reported string) string {
	ct := task.ContentType
	if ct == "" || ct == "application/octet-stream" {
		ct = mediatype.Detect(task.Source.Path)
	}
	if ct == "application/octet-stream" && reported != "" {
		ct = reported
	}
	return ct
}
