package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/models"
)

// New creates a zerolog logger configured from config.
// Supports "trace" | "debug" | "info" | "warn" | "error" levels and "json" | "console" formats.
func New(cfg config.Config, component string) zerolog.Logger {
	return NewWithWriter(cfg, component, os.Stdout)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(cfg config.Config, component string, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if strings.ToLower(cfg.LogFormat) == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Str("env", cfg.Env).
		Logger()
}

// ForTask attaches task identity fields.
func ForTask(base zerolog.Logger, task models.ProcessingTask) zerolog.Logger {
	return base.With().
		Str("task_id", task.ID).
		Str("bucket", task.Source.Bucket).
		Str("object_path", task.Source.Path).
		Int("attempt", task.AttemptCount).
		Logger()
}

// Nop returns a logger that discards everything; used by tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
