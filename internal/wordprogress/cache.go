// Package wordprogress is the local-first cache of per-word review state.
//
// Every local change is written immediately and queued on a per-user queue.
// Unlike the generic sync queue, this queue has no retry ceiling: items stay
// until an upsert succeeds.
package wordprogress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hyperengineering/lughah/internal/diagnostics"
	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/srs"
	"github.com/hyperengineering/lughah/internal/syncqueue"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/internal/validation"
)

// RecordsKey is the local key of a user's word records.
func RecordsKey(userID string) string { return "word_progress_" + userID }

// QueueKey is the local key of a user's word-progress sync queue.
func QueueKey(userID string) string { return "sync_queue_" + userID }

// ValidateUserID checks userID and rejects ids whose queue key would alias
// the generic sync queue's dead-letter key.
func ValidateUserID(userID string) *validation.ValidationError {
	if v := validation.ValidateIdentifier("user_id", userID); v != nil {
		return v
	}
	if QueueKey(userID) == syncqueue.FailedQueueKey {
		return &validation.ValidationError{Field: "user_id", Message: "is reserved"}
	}
	return nil
}

// SyncResult summarises one Sync pass.
type SyncResult struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// PullResult summarises one Pull.
type PullResult struct {
	Updated int `json:"updated"`
	Kept    int `json:"kept"`
}

// Cache stores word progress locally and reconciles it with the remote.
type Cache struct {
	remote    remote.Client
	store     kv.Storage
	scheduler *srs.Scheduler
	clock     clockwork.Clock
	reporter  diagnostics.Reporter
	logger    *slog.Logger

	mu     sync.Mutex
	syncMu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithReporter sets the diagnostics sink for undecodable queue items.
func WithReporter(r diagnostics.Reporter) Option {
	return func(c *Cache) { c.reporter = r }
}

// New creates a Cache. Nil clock and logger use the real clock and
// slog.Default.
func New(client remote.Client, store kv.Storage, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		remote:    client,
		store:     store,
		scheduler: srs.NewScheduler(),
		clock:     clock,
		reporter:  diagnostics.Nop{},
		logger:    logger.With("component", "word-progress"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) load(ctx context.Context, userID string) (map[string]types.WordProgressRecord, error) {
	records := map[string]types.WordProgressRecord{}
	if _, err := kv.GetJSON(ctx, c.store, RecordsKey(userID), &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = map[string]types.WordProgressRecord{}
	}
	return records, nil
}

// SaveLocally stores rec unsynced and queues it for upload.
func (c *Cache) SaveLocally(ctx context.Context, rec types.WordProgressRecord) (types.WordProgressRecord, error) {
	var v validation.Collector
	v.Add(ValidateUserID(rec.UserID))
	v.Add(validation.ValidateIdentifier("word_id", rec.WordID))
	if err := v.Err(); err != nil {
		return types.WordProgressRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx, rec)
}

func (c *Cache) saveLocked(ctx context.Context, rec types.WordProgressRecord) (types.WordProgressRecord, error) {
	now := c.clock.Now()
	rec.IsSynced = false
	rec.UpdatedAt = now.UTC()

	records, err := c.load(ctx, rec.UserID)
	if err != nil {
		return types.WordProgressRecord{}, fmt.Errorf("read word progress: %w", err)
	}
	records[rec.WordID] = rec
	if err := kv.SetJSON(ctx, c.store, RecordsKey(rec.UserID), records); err != nil {
		return types.WordProgressRecord{}, fmt.Errorf("write word progress: %w", err)
	}

	item, err := syncqueue.Build(syncqueue.NewItem{Type: syncqueue.TypeWordProgress, Payload: rec.ToRemote()}, now)
	if err != nil {
		return types.WordProgressRecord{}, err
	}
	items, err := syncqueue.Load(ctx, c.store, QueueKey(rec.UserID))
	if err != nil {
		return types.WordProgressRecord{}, fmt.Errorf("read word progress queue: %w", err)
	}
	if err := syncqueue.Save(ctx, c.store, QueueKey(rec.UserID), append(items, item)); err != nil {
		return types.WordProgressRecord{}, fmt.Errorf("write word progress queue: %w", err)
	}
	return rec, nil
}

// Review schedules wordID with rating and saves the result locally.
func (c *Cache) Review(ctx context.Context, userID, wordID string, rating srs.Rating) (types.WordProgressRecord, error) {
	var v validation.Collector
	v.Add(ValidateUserID(userID))
	v.Add(validation.ValidateIdentifier("word_id", wordID))
	if !rating.Valid() {
		v.Add(&validation.ValidationError{Field: "rating", Message: "must be one of: again, hard, good, easy"})
	}
	if err := v.Err(); err != nil {
		return types.WordProgressRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx, userID)
	if err != nil {
		return types.WordProgressRecord{}, fmt.Errorf("read word progress: %w", err)
	}
	state := srs.NewState()
	if existing, ok := records[wordID]; ok {
		state = srs.StateOf(existing)
	}

	res := c.scheduler.Schedule(state, rating, c.clock.Now())
	rec := types.WordProgressRecord{
		UserID:      userID,
		WordID:      wordID,
		EaseFactor:  res.EaseFactor,
		Interval:    res.Interval,
		Repetitions: res.Repetitions,
		NextReview:  res.NextReview.UTC(),
		Status:      res.Status,
	}
	c.logger.Debug("word reviewed",
		"action", "review",
		"user_id", userID,
		"word_id", wordID,
		"rating", rating.String(),
		"interval", res.Interval,
	)
	return c.saveLocked(ctx, rec)
}

// InitLessonWords creates "new" records for words the user has not seen.
// Existing records are left alone. It returns the records it created.
func (c *Cache) InitLessonWords(ctx context.Context, userID string, wordIDs []string) ([]types.WordProgressRecord, error) {
	if v := ValidateUserID(userID); v != nil {
		return nil, v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read word progress: %w", err)
	}

	var created []types.WordProgressRecord
	for _, wordID := range wordIDs {
		if _, ok := records[wordID]; ok || validation.ValidateIdentifier("word_id", wordID) != nil {
			continue
		}
		rec, err := c.saveLocked(ctx, types.WordProgressRecord{
			UserID:     userID,
			WordID:     wordID,
			EaseFactor: srs.DefaultEaseFactor,
			NextReview: c.clock.Now().UTC(),
			Status:     types.WordStatusNew,
		})
		if err != nil {
			return created, err
		}
		records[wordID] = rec
		created = append(created, rec)
	}
	return created, nil
}

// Get returns one record.
func (c *Cache) Get(ctx context.Context, userID, wordID string) (types.WordProgressRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, err := c.load(ctx, userID)
	if err != nil {
		c.logger.Warn("read word progress failed", "user_id", userID, "error", err)
		return types.WordProgressRecord{}, false
	}
	rec, ok := records[wordID]
	return rec, ok
}

// All returns every record of userID ordered by word id.
func (c *Cache) All(ctx context.Context, userID string) []types.WordProgressRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, err := c.load(ctx, userID)
	if err != nil {
		c.logger.Warn("read word progress failed", "user_id", userID, "error", err)
		return nil
	}
	out := make([]types.WordProgressRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WordID < out[j].WordID })
	return out
}

// Due returns up to limit words due for review now.
func (c *Cache) Due(ctx context.Context, userID string, limit int) []types.WordProgressRecord {
	return srs.DueWords(c.All(ctx, userID), c.clock.Now(), limit)
}

// Queue returns the user's pending word-progress queue.
func (c *Cache) Queue(ctx context.Context, userID string) []syncqueue.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, err := syncqueue.Load(ctx, c.store, QueueKey(userID))
	if err != nil {
		c.logger.Warn("read word progress queue failed", "user_id", userID, "error", err)
		return nil
	}
	return items
}

// Sync uploads queued word_progress items in order. A successful upsert
// removes the item and marks the local record synced when it still matches
// the uploaded snapshot. Failed items stay queued without retry counting.
// Items of other types are left for their own consumers.
func (c *Cache) Sync(ctx context.Context, userID string) (SyncResult, error) {
	if v := ValidateUserID(userID); v != nil {
		return SyncResult{}, v
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	items, err := syncqueue.Load(ctx, c.store, QueueKey(userID))
	c.mu.Unlock()
	if err != nil {
		return SyncResult{}, fmt.Errorf("read word progress queue: %w", err)
	}

	var res SyncResult
	done := make(map[string]bool)
	uploaded := make(map[string]time.Time)

	for _, item := range items {
		if item.Type != syncqueue.TypeWordProgress {
			res.Skipped++
			continue
		}
		if ctx.Err() != nil {
			break
		}

		var row types.RemoteWordProgress
		if err := json.Unmarshal(item.Payload, &row); err != nil {
			// An undecodable payload can never succeed; drop it.
			c.logger.Error("dropping corrupt word progress item",
				"action", "sync",
				"user_id", userID,
				"item_id", item.ID,
				"error", err,
			)
			c.reporter.CaptureException(
				fmt.Errorf("word progress item %s dropped: %w", item.ID, err),
				diagnostics.Tags{
					"component": "word-progress",
					"item_type": string(item.Type),
					"item_id":   item.ID,
					"user_id":   userID,
				},
			)
			done[item.ID] = true
			res.Failed++
			continue
		}

		if err := c.remote.Upsert(ctx, types.TableWordProgress, row, "user_id", "word_id"); err != nil {
			res.Failed++
			c.logger.Warn("word progress upload failed",
				"action", "sync",
				"user_id", userID,
				"word_id", row.WordID,
				"error", err,
			)
			continue
		}
		res.Synced++
		done[item.ID] = true
		uploaded[row.WordID] = row.UpdatedAt
	}

	if len(done) == 0 {
		return res, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := syncqueue.Load(ctx, c.store, QueueKey(userID))
	if err != nil {
		return res, fmt.Errorf("re-read word progress queue: %w", err)
	}
	remaining := make([]syncqueue.Item, 0, len(current))
	for _, item := range current {
		if !done[item.ID] {
			remaining = append(remaining, item)
		}
	}
	if err := syncqueue.Save(ctx, c.store, QueueKey(userID), remaining); err != nil {
		return res, fmt.Errorf("write word progress queue: %w", err)
	}

	records, err := c.load(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("read word progress: %w", err)
	}
	changed := false
	for wordID, at := range uploaded {
		rec, ok := records[wordID]
		if ok && !rec.IsSynced && rec.UpdatedAt.Equal(at) {
			rec.IsSynced = true
			records[wordID] = rec
			changed = true
		}
	}
	if changed {
		if err := kv.SetJSON(ctx, c.store, RecordsKey(userID), records); err != nil {
			return res, fmt.Errorf("write word progress: %w", err)
		}
	}

	c.logger.Info("word progress synced",
		"action", "sync",
		"user_id", userID,
		"synced", res.Synced,
		"failed", res.Failed,
	)
	return res, nil
}

// Pull merges the remote rows into the local cache. Unsynced local records
// always win; synced ones are replaced by newer remote rows.
func (c *Cache) Pull(ctx context.Context, userID string) (PullResult, error) {
	if v := ValidateUserID(userID); v != nil {
		return PullResult{}, v
	}
	var rows []types.RemoteWordProgress
	if err := c.remote.Select(ctx, types.TableWordProgress, remote.Where(remote.Eq("user_id", userID)), &rows); err != nil {
		return PullResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx, userID)
	if err != nil {
		return PullResult{}, fmt.Errorf("read word progress: %w", err)
	}

	var res PullResult
	for _, row := range rows {
		local, ok := records[row.WordID]
		switch {
		case ok && !local.IsSynced:
			res.Kept++
		case ok && !row.UpdatedAt.After(local.UpdatedAt):
		default:
			records[row.WordID] = row.ToLocal()
			res.Updated++
		}
	}
	if res.Updated > 0 {
		if err := kv.SetJSON(ctx, c.store, RecordsKey(userID), records); err != nil {
			return res, fmt.Errorf("write word progress: %w", err)
		}
	}
	return res, nil
}
