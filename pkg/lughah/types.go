package lughah

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hyperengineering/lughah/internal/diagnostics"
	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/types"
)

// Config holds client configuration
type Config struct {
	UserID        string        // Learner the client acts for (required)
	LocalPath     string        // Local progress database path (required unless WithStorage)
	RemoteURL     string        // Backend base URL; empty means offline
	APIKey        string        // API key for the backend
	RemoteTimeout time.Duration // Per-request timeout (default: 15 seconds)
	SyncInterval  time.Duration // Background sync interval (default: 5 minutes)
	BackoffBase   time.Duration // First retry delay after a failed pass (default: 2 seconds)
	MaxRetries    int           // Replays before an item is dead-lettered (default: 3)
	AutoSync      bool          // Run the background sync loop after Initialize
	OfflineMode   bool          // Never contact the backend
}

// Option injects a dependency into the client.
type Option func(*options)

type options struct {
	store    kv.Storage
	remote   remote.Client
	clock    clockwork.Clock
	reporter diagnostics.Reporter
	logger   *slog.Logger
}

// WithStorage uses s instead of opening Config.LocalPath. The caller keeps
// ownership: Shutdown does not close it.
func WithStorage(s kv.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithRemote uses c instead of an HTTP client for Config.RemoteURL.
func WithRemote(c remote.Client) Option {
	return func(o *options) { o.remote = c }
}

// WithClock sets the clock behind every date and timestamp.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithReporter sets the diagnostics sink for dead-lettered items.
func WithReporter(r diagnostics.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// LessonResult is a finished lesson as reported by the UI.
type LessonResult struct {
	LessonID string   `json:"lesson_id"`
	Score    int      `json:"score"`
	XP       int64    `json:"xp"`
	WordIDs  []string `json:"word_ids"`
}

// LessonOutcome is what CompleteLesson did.
type LessonOutcome struct {
	// Queued is true when the completion could not be written remotely and
	// waits in the sync queue.
	Queued   bool                       `json:"queued"`
	NewWords []types.WordProgressRecord `json:"new_words"`
	XP       types.XPRecord             `json:"xp"`
	Streak   types.StreakRecord         `json:"streak"`
}

// ReviewOutcome is what Review did.
type ReviewOutcome struct {
	Progress types.WordProgressRecord `json:"progress"`
	// RatingQueued is true when the rating waits in the sync queue.
	RatingQueued bool `json:"rating_queued"`
}
