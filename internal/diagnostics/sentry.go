package diagnostics

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryOptions configures a SentryReporter.
type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
}

// SentryReporter sends reports to Sentry through a dedicated hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a reporter for opts.DSN.
func NewSentryReporter(opts SentryOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) CaptureException(err error, tags Tags) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

func (r *SentryReporter) CaptureMessage(msg string, tags Tags) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureMessage(msg)
	})
}

// Flush waits up to timeout for buffered events to be delivered.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
