package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/lughah/internal/syncqueue"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/internal/wordprogress"
)

// QueueProcessor replays the generic offline queue.
// Implemented by syncqueue.Queue.
type QueueProcessor interface {
	Process(ctx context.Context) (syncqueue.Result, error)
}

// WordProgressSyncer drains a user's word-progress queue.
// Implemented by wordprogress.Cache.
type WordProgressSyncer interface {
	Sync(ctx context.Context, userID string) (wordprogress.SyncResult, error)
}

// PendingXPSyncer flushes a user's offline XP.
// Implemented by xp.Service.
type PendingXPSyncer interface {
	SyncPending(ctx context.Context, userID string) (types.XPRecord, bool)
	Pending(ctx context.Context, userID string) int64
}

// PassResult summarises one RunOnce.
type PassResult struct {
	Queue     syncqueue.Result        `json:"queue"`
	Words     wordprogress.SyncResult `json:"word_progress"`
	XPFlushed bool                    `json:"xp_flushed"`
	XPPending int64                   `json:"xp_pending"`
}

// HasRetryable reports whether the pass left work that a later pass may
// still deliver. Dead-lettered items are never retried.
func (r PassResult) HasRetryable() bool {
	return r.Queue.Failed > r.Queue.DeadLettered || r.Words.Failed > 0 || r.XPPending > 0
}

// SyncCoordinator runs the three independent sync passes for one user:
// the generic queue, the word-progress queue and the pending XP counter.
type SyncCoordinator struct {
	userID      string
	queue       QueueProcessor
	words       WordProgressSyncer
	xp          PendingXPSyncer
	interval    time.Duration
	backoffBase time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
	trigger     chan struct{}
}

// SyncOption configures a SyncCoordinator.
type SyncOption func(*SyncCoordinator)

// WithSyncClock sets the clock used for the loop's timers.
func WithSyncClock(c clockwork.Clock) SyncOption {
	return func(s *SyncCoordinator) { s.clock = c }
}

// WithBackoffBase sets the first delay after a pass that left retryable work.
func WithBackoffBase(d time.Duration) SyncOption {
	return func(s *SyncCoordinator) {
		if d > 0 {
			s.backoffBase = d
		}
	}
}

// WithSyncLogger sets the logger.
func WithSyncLogger(l *slog.Logger) SyncOption {
	return func(s *SyncCoordinator) { s.logger = l }
}

// NewSyncCoordinator creates a coordinator. Any of queue, words and xp may be
// nil, in which case that pass is skipped.
func NewSyncCoordinator(
	userID string,
	queue QueueProcessor,
	words WordProgressSyncer,
	xp PendingXPSyncer,
	interval time.Duration,
	opts ...SyncOption,
) *SyncCoordinator {
	c := &SyncCoordinator{
		userID:      userID,
		queue:       queue,
		words:       words,
		xp:          xp,
		interval:    interval,
		backoffBase: 2 * time.Second,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "worker", "worker", "sync-coordinator")
	return c
}

// RunOnce runs each pass once. A failing pass does not stop the others;
// their errors are joined.
func (c *SyncCoordinator) RunOnce(ctx context.Context) (PassResult, error) {
	var (
		res  PassResult
		errs []error
	)

	if c.queue != nil {
		qr, err := c.queue.Process(ctx)
		res.Queue = qr
		if err != nil {
			errs = append(errs, fmt.Errorf("process sync queue: %w", err))
		}
	}

	if c.words != nil {
		wr, err := c.words.Sync(ctx, c.userID)
		res.Words = wr
		if err != nil {
			errs = append(errs, fmt.Errorf("sync word progress: %w", err))
		}
	}

	if c.xp != nil {
		_, res.XPFlushed = c.xp.SyncPending(ctx, c.userID)
		res.XPPending = c.xp.Pending(ctx, c.userID)
	}

	err := errors.Join(errs...)
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "sync pass completed",
		"action", "run_once",
		"user_id", c.userID,
		"queue_synced", res.Queue.Synced,
		"queue_failed", res.Queue.Failed,
		"queue_dead_lettered", res.Queue.DeadLettered,
		"words_synced", res.Words.Synced,
		"words_failed", res.Words.Failed,
		"xp_flushed", res.XPFlushed,
		"xp_pending", res.XPPending,
		"error", err,
	)
	return res, err
}

// Trigger requests an immediate pass, e.g. when the app returns to the
// foreground or the network comes back. Requests coalesce.
func (c *SyncCoordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run passes immediately and then every interval until ctx is cancelled.
// After a pass that errored or left retryable work the next pass comes
// sooner, backing off exponentially up to the interval.
func (c *SyncCoordinator) Run(ctx context.Context) {
	c.logger.Info("sync coordinator started",
		"user_id", c.userID,
		"interval", c.interval.String(),
		"backoff_base", c.backoffBase.String(),
	)

	backoff := c.newBackoff()
	for {
		res, err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			c.stopped()
			return
		}

		delay := c.interval
		if err != nil || res.HasRetryable() {
			if next, stop := backoff.Next(); !stop {
				delay = next
			}
		} else {
			backoff = c.newBackoff()
		}

		timer := c.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stopped()
			return
		case <-c.trigger:
			timer.Stop()
			c.logger.Debug("sync triggered", "user_id", c.userID)
		case <-timer.Chan():
		}
	}
}

func (c *SyncCoordinator) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(c.interval, retry.NewExponential(c.backoffBase))
}

func (c *SyncCoordinator) stopped() {
	c.logger.Info("sync coordinator stopped",
		"user_id", c.userID,
		"reason", "context_cancelled",
	)
}
