// Package lughah is the offline-first progress client the app talks to. It
// composes the streak, XP and word-progress caches with the sync queues and
// keeps them reconciled with the backend in the background.
package lughah

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hyperengineering/lughah/internal/diagnostics"
	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/srs"
	"github.com/hyperengineering/lughah/internal/streak"
	"github.com/hyperengineering/lughah/internal/syncqueue"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/internal/validation"
	"github.com/hyperengineering/lughah/internal/wordprogress"
	"github.com/hyperengineering/lughah/internal/worker"
	"github.com/hyperengineering/lughah/internal/xp"
)

var (
	// ErrClosed is returned by every method after Shutdown.
	ErrClosed = errors.New("client is closed")
	// ErrOffline is returned by operations that need the backend.
	ErrOffline = errors.New("client is offline")
)

// SettingsKeys are the user_settings columns UpdateSettings accepts.
var SettingsKeys = []string{"daily_goal", "reminder_time", "prayer_context", "sound_enabled", "theme"}

// Client is the progress client for one learner
type Client struct {
	config Config
	userID string
	online bool
	clock  clockwork.Clock
	logger *slog.Logger
	remote remote.Client
	closer io.Closer

	queue   *syncqueue.Queue
	streaks *streak.Service
	xp      *xp.Service
	words   *wordprogress.Cache
	syncer  *worker.SyncCoordinator

	mu       sync.RWMutex
	closed   bool
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New creates a new client. Nothing is contacted until Initialize.
func New(config Config, opts ...Option) (*Client, error) {
	if v := wordprogress.ValidateUserID(config.UserID); v != nil {
		return nil, v
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	// Set defaults
	if config.RemoteTimeout == 0 {
		config.RemoteTimeout = 15 * time.Second
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = 5 * time.Minute
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = syncqueue.MaxRetries
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.reporter == nil {
		o.reporter = diagnostics.Nop{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Client{
		config: config,
		userID: config.UserID,
		clock:  o.clock,
		logger: o.logger.With("component", "client", "user_id", config.UserID),
	}

	store := o.store
	if store == nil {
		if config.LocalPath == "" {
			return nil, errors.New("LocalPath is required")
		}
		db, err := kv.OpenSQLite(config.LocalPath)
		if err != nil {
			return nil, err
		}
		store = db
		c.closer = db
	}

	switch {
	case config.OfflineMode:
		c.remote = remote.Offline{}
	case o.remote != nil:
		c.remote = o.remote
		c.online = true
	case config.RemoteURL != "":
		c.remote = remote.NewHTTPClient(config.RemoteURL, config.APIKey, config.RemoteTimeout)
		c.online = true
	default:
		c.remote = remote.Offline{}
	}

	c.queue = syncqueue.New(store,
		syncqueue.WithClock(o.clock),
		syncqueue.WithReporter(o.reporter),
		syncqueue.WithLogger(o.logger),
		syncqueue.WithMaxRetries(config.MaxRetries),
	)
	c.queue.RegisterAll(syncqueue.RemoteReplayers(c.remote))

	c.streaks = streak.NewService(c.remote, store, streak.NewEngine(o.clock),
		streak.WithQueue(c.queue),
		streak.WithLogger(o.logger),
	)
	c.queue.Register(syncqueue.TypeStreakUpdate, c.streaks.Replay)
	c.xp = xp.NewService(c.remote, store, o.logger)
	c.words = wordprogress.New(c.remote, store, o.clock, o.logger, wordprogress.WithReporter(o.reporter))
	c.syncer = worker.NewSyncCoordinator(c.userID, c.queue, c.words, c.xp, config.SyncInterval,
		worker.WithSyncClock(o.clock),
		worker.WithBackoffBase(config.BackoffBase),
		worker.WithSyncLogger(o.logger),
	)
	return c, nil
}

// UserID returns the learner the client acts for.
func (c *Client) UserID() string {
	return c.userID
}

// Online reports whether the client talks to a backend.
func (c *Client) Online() bool {
	return c.online
}

// Initialize pulls remote word progress, warms the streak and XP caches
// and starts background sync when AutoSync is set. Backend failures are
// logged, not returned.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	if !c.online {
		c.logger.Info("client initialized offline", "action", "initialize")
		return nil
	}

	if res, err := c.words.Pull(ctx, c.userID); err != nil {
		// Log but don't fail - offline mode
		c.logger.Warn("initial word progress pull failed", "action", "initialize", "error", err)
	} else {
		c.logger.Info("initial word progress pulled", "action", "initialize", "updated", res.Updated, "kept", res.Kept)
	}
	c.streaks.Fetch(ctx, c.userID)
	c.xp.Fetch(ctx, c.userID)

	// Start background sync if enabled
	if c.config.AutoSync {
		loopCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.loopDone = make(chan struct{})
		go func() {
			defer close(c.loopDone)
			c.syncer.Run(loopCtx)
		}()
	}
	return nil
}

// Shutdown stops background sync, makes a final sync pass when online and
// closes the local database the client opened.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.loopDone:
		case <-ctx.Done():
		}
	}

	// Final sync
	if c.online && ctx.Err() == nil {
		if _, err := c.syncer.RunOnce(ctx); err != nil {
			c.logger.Warn("final sync failed", "action", "shutdown", "error", err)
		}
	}

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Streak returns the current streak summary. It never fails on backend
// errors; the cached value or a clean default is used instead.
func (c *Client) Streak(ctx context.Context) (streak.Summary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return streak.Summary{}, ErrClosed
	}
	return c.streaks.Summary(ctx, c.userID), nil
}

// RecordActivity counts today toward the streak.
func (c *Client) RecordActivity(ctx context.Context) (types.StreakRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return types.StreakRecord{}, ErrClosed
	}
	return c.streaks.RecordActivity(ctx, c.userID)
}

// UseFreeze spends this week's streak freeze when one is available.
func (c *Client) UseFreeze(ctx context.Context) (types.StreakRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return types.StreakRecord{}, ErrClosed
	}
	return c.streaks.UseFreeze(ctx, c.userID)
}

// XP returns the learner's total including XP earned offline.
func (c *Client) XP(ctx context.Context) (types.XPRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return types.XPRecord{}, ErrClosed
	}
	return c.xp.Fetch(ctx, c.userID), nil
}

// AwardXP adds delta XP. Negative or fractional deltas are rejected.
func (c *Client) AwardXP(ctx context.Context, delta float64) (types.XPRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return types.XPRecord{}, ErrClosed
	}
	return c.xp.Award(ctx, c.userID, delta)
}

// SyncPendingXP flushes XP earned offline. The bool reports whether a
// delta was delivered.
func (c *Client) SyncPendingXP(ctx context.Context) (types.XPRecord, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return types.XPRecord{}, false, ErrClosed
	}
	if !c.online {
		return types.XPRecord{}, false, ErrOffline
	}
	rec, ok := c.xp.SyncPending(ctx, c.userID)
	return rec, ok, nil
}

// Review schedules the next review of wordID and records the rating.
func (c *Client) Review(ctx context.Context, wordID string, rating srs.Rating) (ReviewOutcome, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ReviewOutcome{}, ErrClosed
	}

	rec, err := c.words.Review(ctx, c.userID, wordID, rating)
	if err != nil {
		return ReviewOutcome{}, err
	}

	r := types.ReviewRating{
		UserID:     c.userID,
		WordID:     wordID,
		Rating:     int(rating),
		ReviewedAt: c.clock.Now().UTC(),
	}
	queued, err := c.writeOrQueue(ctx, syncqueue.TypeReviewRating, r, func(ctx context.Context) error {
		return c.remote.Upsert(ctx, types.TableReviewRatings, r, "user_id", "word_id")
	})
	if err != nil {
		return ReviewOutcome{Progress: rec}, err
	}
	return ReviewOutcome{Progress: rec, RatingQueued: queued}, nil
}

// DueWords returns up to limit words due now, new words first.
func (c *Client) DueWords(ctx context.Context, limit int) ([]types.WordProgressRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.words.Due(ctx, c.userID, limit), nil
}

// Words returns every locally known word record.
func (c *Client) Words(ctx context.Context) ([]types.WordProgressRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.words.All(ctx, c.userID), nil
}

// CompleteLesson records a finished lesson: the completion row (queued when
// the backend is unreachable), progress for the lesson's new words, the
// lesson's XP and today's streak activity.
func (c *Client) CompleteLesson(ctx context.Context, result LessonResult) (LessonOutcome, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return LessonOutcome{}, ErrClosed
	}

	var v validation.Collector
	v.Add(validation.ValidateIdentifier("lesson_id", result.LessonID))
	v.Add(validation.ValidateRange("score", float64(result.Score), 0, 100))
	v.Add(validation.ValidateXPDelta("xp", float64(result.XP)))
	if err := v.Err(); err != nil {
		return LessonOutcome{}, err
	}

	completion := types.LessonCompletion{
		UserID:      c.userID,
		LessonID:    result.LessonID,
		Score:       result.Score,
		XPEarned:    result.XP,
		CompletedAt: c.clock.Now().UTC(),
	}
	queued, err := c.writeOrQueue(ctx, syncqueue.TypeLessonComplete, completion, func(ctx context.Context) error {
		return c.remote.Upsert(ctx, types.TableLessonProgress, completion, "user_id", "lesson_id")
	})
	if err != nil {
		return LessonOutcome{}, err
	}
	out := LessonOutcome{Queued: queued}

	if out.NewWords, err = c.words.InitLessonWords(ctx, c.userID, result.WordIDs); err != nil {
		return out, fmt.Errorf("init lesson words: %w", err)
	}
	if out.XP, err = c.xp.Award(ctx, c.userID, float64(result.XP)); err != nil {
		return out, fmt.Errorf("award lesson xp: %w", err)
	}
	if out.Streak, err = c.streaks.RecordActivity(ctx, c.userID); err != nil {
		return out, fmt.Errorf("record lesson activity: %w", err)
	}

	c.logger.Info("lesson completed",
		"action", "complete_lesson",
		"lesson_id", result.LessonID,
		"score", result.Score,
		"xp", out.XP.TotalXP,
		"new_words", len(out.NewWords),
		"queued", queued,
	)
	return out, nil
}

// UpdateSettings writes settings to the backend, queueing them when it is
// unreachable. Only SettingsKeys are accepted.
func (c *Client) UpdateSettings(ctx context.Context, settings map[string]any) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false, ErrClosed
	}
	if len(settings) == 0 {
		return false, &validation.ValidationError{Field: "settings", Message: "must not be empty"}
	}

	var v validation.Collector
	payload := types.SettingsUpdate{UserID: c.userID, Settings: make(map[string]json.RawMessage, len(settings))}
	for key, value := range settings {
		if e := validation.ValidateEnum("settings", key, SettingsKeys); e != nil {
			v.Add(e)
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			v.Add(&validation.ValidationError{Field: key, Message: "must be JSON-encodable"})
			continue
		}
		payload.Settings[key] = raw
	}
	if err := v.Err(); err != nil {
		return false, err
	}

	return c.writeOrQueue(ctx, syncqueue.TypeSettingsUpdate, payload, func(ctx context.Context) error {
		return c.remote.Update(ctx, types.TableSettings, payload.Settings, remote.Eq("user_id", c.userID))
	})
}

// ProcessPending runs one sync pass over every queue.
func (c *Client) ProcessPending(ctx context.Context) (worker.PassResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return worker.PassResult{}, ErrClosed
	}
	if !c.online {
		return worker.PassResult{}, ErrOffline
	}
	return c.syncer.RunOnce(ctx)
}

// PullWordProgress reconciles local word progress with the backend.
func (c *Client) PullWordProgress(ctx context.Context) (wordprogress.PullResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return wordprogress.PullResult{}, ErrClosed
	}
	if !c.online {
		return wordprogress.PullResult{}, ErrOffline
	}
	return c.words.Pull(ctx, c.userID)
}

// OnForeground refreshes the streak, which normalizes a broken streak, and
// kicks a sync pass.
func (c *Client) OnForeground(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	c.streaks.Fetch(ctx, c.userID)
	return c.kick(ctx, "foreground")
}

// OnNetworkRestored kicks a sync pass.
func (c *Client) OnNetworkRestored(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	return c.kick(ctx, "network_restored")
}

// kick hands the pass to the background loop when it runs, otherwise runs
// it inline.
func (c *Client) kick(ctx context.Context, reason string) error {
	if !c.online {
		return nil
	}
	c.logger.Debug("sync requested", "action", "kick", "reason", reason)
	if c.cancel != nil {
		c.syncer.Trigger()
		return nil
	}
	_, err := c.syncer.RunOnce(ctx)
	return err
}

// Queue returns pending items of both queues, oldest first.
func (c *Client) Queue(ctx context.Context) ([]syncqueue.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	items := append(c.queue.Items(ctx), c.words.Queue(ctx, c.userID)...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// FailedQueue returns dead-lettered items.
func (c *Client) FailedQueue(ctx context.Context) ([]syncqueue.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.queue.Failed(ctx), nil
}

// ClearQueue drops pending generic items. Word progress is kept.
func (c *Client) ClearQueue(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	return c.queue.Clear(ctx)
}

// ClearFailedQueue drops dead-lettered items.
func (c *Client) ClearFailedQueue(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	return c.queue.ClearFailed(ctx)
}

// RetryFailed moves a dead-lettered item back onto the pending queue with
// a fresh retry budget.
func (c *Client) RetryFailed(ctx context.Context, id string) (syncqueue.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return syncqueue.Item{}, ErrClosed
	}
	return c.queue.Retry(ctx, id)
}

// writeOrQueue tries write and queues payload when the client is offline
// or the write fails. It reports whether the payload was queued.
func (c *Client) writeOrQueue(ctx context.Context, t syncqueue.ItemType, payload any, write func(context.Context) error) (bool, error) {
	if c.online {
		err := write(ctx)
		if err == nil {
			return false, nil
		}
		c.logger.Warn("remote write failed, queueing",
			"action", "write",
			"item_type", t,
			"error", err,
		)
	}
	if _, err := c.queue.Add(ctx, syncqueue.NewItem{Type: t, Payload: payload}); err != nil {
		return false, fmt.Errorf("queue %s: %w", t, err)
	}
	return true, nil
}
