package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/lughah/internal/config"
	"github.com/hyperengineering/lughah/internal/diagnostics"
	"github.com/hyperengineering/lughah/pkg/lughah"
)

// sentryFlushTimeout bounds how long a command waits for diagnostics delivery.
const sentryFlushTimeout = 2 * time.Second

// session is an open client plus the resources to release with it.
type session struct {
	client *lughah.Client
	cfg    *config.Config
	sentry *diagnostics.SentryReporter
}

// openClient loads configuration and opens a client for the configured
// learner. Callers must close the session.
func openClient(cmd *cobra.Command, autoSync bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.User.ID == "" {
		return nil, errors.New("no learner configured: set --user or LUGHAH_USER_ID")
	}

	logger := slog.Default()
	reporters := diagnostics.Multi{diagnostics.NewLogReporter(logger)}
	s := &session{cfg: cfg}
	if cfg.Diagnostics.SentryDSN != "" {
		s.sentry, err = diagnostics.NewSentryReporter(diagnostics.SentryOptions{
			DSN:         cfg.Diagnostics.SentryDSN,
			Environment: cfg.Diagnostics.Environment,
			Release:     "lughah@" + Version,
		})
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, s.sentry)
	}

	s.client, err = lughah.New(lughah.Config{
		UserID:        cfg.User.ID,
		LocalPath:     cfg.Local.Path,
		RemoteURL:     cfg.Remote.URL,
		APIKey:        cfg.Remote.APIKey,
		RemoteTimeout: time.Duration(cfg.Remote.Timeout),
		SyncInterval:  time.Duration(cfg.Sync.Interval),
		BackoffBase:   time.Duration(cfg.Sync.BackoffBase),
		MaxRetries:    cfg.Sync.MaxRetries,
		AutoSync:      autoSync,
		OfflineMode:   cfg.Offline(),
	},
		lughah.WithReporter(reporters),
		lughah.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// close shuts the client down and flushes pending diagnostics.
func (s *session) close(cmd *cobra.Command) {
	if err := s.client.Shutdown(cmd.Context()); err != nil {
		slog.Error("client shutdown error", "error", err)
	}
	if s.sentry != nil {
		s.sentry.Flush(sentryFlushTimeout)
	}
}
