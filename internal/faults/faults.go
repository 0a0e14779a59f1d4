// Package faults tags pipeline errors with a kind so the consumer can decide between
// retrying a delivery and failing it for good.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"media-analysis-pipeline/internal/models"
)

var (
	ErrValidation = errors.New("validation error")
	ErrTransient  = errors.New("transient failure")
	ErrPermanent  = errors.New("permanent failure")
	ErrCleanup    = errors.New("cleanup failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker. A nil marker is treated as ErrTransient.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func Validation(stage, message string, err error) error {
	return Wrap(ErrValidation, stage, "", message, err)
}

func Transient(stage, operation string, err error) error {
	return Wrap(ErrTransient, stage, operation, "", err)
}

func Permanent(stage, operation, message string, err error) error {
	return Wrap(ErrPermanent, stage, operation, message, err)
}

// Kind names the marker carried by err: "validation", "permanent", "cleanup" or "transient".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrCleanup):
		return "cleanup"
	default:
		return "transient"
	}
}

// Retryable reports whether another delivery could plausibly succeed.
// Untagged errors and context deadlines are retryable; cancellation of the parent is too,
// since the lease will be re-issued to another worker.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}

// Classify maps a pipeline error to the outcome kind the queue should see.
func Classify(err error) models.OutcomeKind {
	switch {
	case err == nil:
		return models.OutcomeAck
	case Retryable(err):
		return models.OutcomeRetry
	default:
		return models.OutcomeFail
	}
}

// Deadline reports whether err came from an expired or cancelled context.
func Deadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
