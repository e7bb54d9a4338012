// Package diagnostics is the operational-visibility sink. Reports never
// influence control flow.
package diagnostics

import (
	"context"
	"log/slog"
)

// Tags annotate a report. Dead-lettered queue items carry at least
// {"component": "sync-queue"}.
type Tags map[string]string

// Reporter receives exceptional conditions for operators.
type Reporter interface {
	CaptureException(err error, tags Tags)
	CaptureMessage(msg string, tags Tags)
}

// LogReporter writes reports as structured log records.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter. A nil logger uses slog.Default.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) CaptureException(err error, tags Tags) {
	r.logger.Error("captured exception", append(tagAttrs(tags), "error", err)...)
}

func (r *LogReporter) CaptureMessage(msg string, tags Tags) {
	r.logger.Warn(msg, tagAttrs(tags)...)
}

func tagAttrs(tags Tags) []any {
	attrs := make([]any, 0, len(tags)*2)
	for k, v := range tags {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// Multi fans a report out to several reporters.
type Multi []Reporter

func (m Multi) CaptureException(err error, tags Tags) {
	for _, r := range m {
		r.CaptureException(err, tags)
	}
}

func (m Multi) CaptureMessage(msg string, tags Tags) {
	for _, r := range m {
		r.CaptureMessage(msg, tags)
	}
}

// Nop discards reports.
type Nop struct{}

func (Nop) CaptureException(error, Tags) {}

func (Nop) CaptureMessage(string, Tags) {}

// BestEffort runs a write whose failure must not fail the caller. The error
// is logged with the operation name and otherwise dropped.
func BestEffort(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("best-effort write failed",
			"action", op,
			"error", err,
		)
	}
}
