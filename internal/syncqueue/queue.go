// Package syncqueue is the durable offline queue of pending remote mutations.
//
// Items are replayed in insertion order by per-type replay functions. A
// failed replay bumps the item's retry count; once it reaches MaxRetries the
// item moves to the dead-letter queue, is reported to the diagnostics sink,
// and is never retried automatically.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/lughah/internal/diagnostics"
	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/validation"
)

// ErrItemNotFound is returned when a queue item id is unknown.
var ErrItemNotFound = errors.New("sync item not found")

// Storage keys and limits.
const (
	QueueKey       = "sync_queue"
	FailedQueueKey = "sync_queue_failed"
	MaxRetries     = 3
)

// ItemType names the mutation an item replays.
type ItemType string

const (
	TypeLessonComplete ItemType = "lesson_complete"
	TypeReviewRating   ItemType = "review_rating"
	TypeSettingsUpdate ItemType = "settings_update"
	TypeWordProgress   ItemType = "word_progress"
	TypeStreakUpdate   ItemType = "streak_update"
)

// Item is a deferred mutation.
type Item struct {
	ID         string          `json:"id"`
	Type       ItemType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
}

// NewItem is what callers enqueue; identity and bookkeeping are assigned on Add.
type NewItem struct {
	Type    ItemType
	Payload any
}

// ReplayFunc applies one item to the remote. It must be idempotent.
type ReplayFunc func(ctx context.Context, item Item) error

// Result summarises one processing pass. Failed counts every failed replay,
// including the ones that were dead-lettered.
type Result struct {
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// Build creates an Item with a fresh ULID, CreatedAt = now and RetryCount 0.
func Build(n NewItem, now time.Time) (Item, error) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return Item{}, fmt.Errorf("encode %s payload: %w", n.Type, err)
	}
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return Item{}, fmt.Errorf("generate item id: %w", err)
	}
	return Item{
		ID:        id.String(),
		Type:      n.Type,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}, nil
}

// Load reads the item list stored at key. Missing or corrupt data is an
// empty list; only storage failures are errors.
func Load(ctx context.Context, store kv.Storage, key string) ([]Item, error) {
	var items []Item
	if _, err := kv.GetJSON(ctx, store, key, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Save writes items to key, removing the key when the list is empty.
func Save(ctx context.Context, store kv.Storage, key string, items []Item) error {
	if len(items) == 0 {
		return store.RemoveItem(ctx, key)
	}
	return kv.SetJSON(ctx, store, key, items)
}

// Queue is the generic bounded-retry sync queue.
type Queue struct {
	store      kv.Storage
	clock      clockwork.Clock
	reporter   diagnostics.Reporter
	logger     *slog.Logger
	key        string
	failedKey  string
	maxRetries int

	// mu serializes read-modify-write cycles on the queue keys.
	mu sync.Mutex
	// passMu allows one Process pass at a time.
	passMu    sync.Mutex
	replayers map[ItemType]ReplayFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for CreatedAt and ids.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithReporter sets the diagnostics sink for dead-lettered items.
func WithReporter(r diagnostics.Reporter) Option {
	return func(q *Queue) { q.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMaxRetries overrides MaxRetries.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithKeys overrides the storage keys.
func WithKeys(queueKey, failedKey string) Option {
	return func(q *Queue) {
		q.key = queueKey
		q.failedKey = failedKey
	}
}

// New creates a Queue over store.
func New(store kv.Storage, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		clock:      clockwork.NewRealClock(),
		reporter:   diagnostics.Nop{},
		logger:     slog.Default(),
		key:        QueueKey,
		failedKey:  FailedQueueKey,
		maxRetries: MaxRetries,
		replayers:  make(map[ItemType]ReplayFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "sync-queue")
	return q
}

// Register sets the replay function for t. Items of unregistered types are
// left in the queue untouched.
func (q *Queue) Register(t ItemType, fn ReplayFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replayers[t] = fn
}

// RegisterAll registers every entry of fns.
func (q *Queue) RegisterAll(fns map[ItemType]ReplayFunc) {
	for t, fn := range fns {
		q.Register(t, fn)
	}
}

// Add appends a new item. Corrupt stored data is replaced by a fresh list.
func (q *Queue) Add(ctx context.Context, n NewItem) (Item, error) {
	item, err := Build(n, q.clock.Now())
	if err != nil {
		return Item{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := Load(ctx, q.store, q.key)
	if err != nil {
		return Item{}, fmt.Errorf("read sync queue: %w", err)
	}
	items = append(items, item)
	if err := Save(ctx, q.store, q.key, items); err != nil {
		return Item{}, fmt.Errorf("write sync queue: %w", err)
	}

	q.logger.Debug("item queued",
		"action", "add",
		"item_id", item.ID,
		"item_type", item.Type,
	)
	return item, nil
}

// Items returns the pending items. It never fails; storage errors are
// logged and yield an empty list.
func (q *Queue) Items(ctx context.Context) []Item {
	return q.read(ctx, q.key)
}

// Failed returns the dead-lettered items.
func (q *Queue) Failed(ctx context.Context) []Item {
	return q.read(ctx, q.failedKey)
}

func (q *Queue) read(ctx context.Context, key string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := Load(ctx, q.store, key)
	if err != nil {
		q.logger.Warn("read queue failed", "key", key, "error", err)
		return []Item{}
	}
	if items == nil {
		items = []Item{}
	}
	return items
}

// Clear removes every pending item.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.RemoveItem(ctx, q.key)
}

// ClearFailed removes every dead-lettered item.
func (q *Queue) ClearFailed(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.RemoveItem(ctx, q.failedKey)
}

// Retry moves the dead-lettered item id back to the end of the pending queue
// with a fresh retry count.
func (q *Queue) Retry(ctx context.Context, id string) (Item, error) {
	if v := validation.ValidateULID("id", id); v != nil {
		return Item{}, v
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	failed, err := Load(ctx, q.store, q.failedKey)
	if err != nil {
		return Item{}, fmt.Errorf("read failed queue: %w", err)
	}
	idx := slices.IndexFunc(failed, func(it Item) bool { return it.ID == id })
	if idx < 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item := failed[idx]
	item.RetryCount = 0

	items, err := Load(ctx, q.store, q.key)
	if err != nil {
		return Item{}, fmt.Errorf("read sync queue: %w", err)
	}
	if err := Save(ctx, q.store, q.key, append(items, item)); err != nil {
		return Item{}, fmt.Errorf("write sync queue: %w", err)
	}
	if err := Save(ctx, q.store, q.failedKey, slices.Delete(failed, idx, idx+1)); err != nil {
		return Item{}, fmt.Errorf("write failed queue: %w", err)
	}

	q.logger.Info("dead-lettered item requeued",
		"action", "retry",
		"item_id", item.ID,
		"item_type", item.Type,
	)
	return item, nil
}

// Process replays pending items once, in insertion order.
//
// The queue is snapshotted under the lock, replayed without it, and then
// merged: items appended while the pass ran are kept after the survivors.
func (q *Queue) Process(ctx context.Context) (Result, error) {
	q.passMu.Lock()
	defer q.passMu.Unlock()

	q.mu.Lock()
	snapshot, err := Load(ctx, q.store, q.key)
	replayers := make(map[ItemType]ReplayFunc, len(q.replayers))
	for t, fn := range q.replayers {
		replayers[t] = fn
	}
	q.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("read sync queue: %w", err)
	}

	var res Result
	if len(snapshot) == 0 {
		return res, nil
	}

	synced := make(map[string]bool)
	updated := make(map[string]Item)
	var dead []Item

	for _, item := range snapshot {
		replay, ok := replayers[item.Type]
		if !ok {
			res.Skipped++
			continue
		}
		if ctx.Err() != nil {
			break
		}

		if err := replay(ctx, item); err != nil {
			res.Failed++
			item.RetryCount++
			if item.RetryCount >= q.maxRetries {
				res.DeadLettered++
				dead = append(dead, item)
				q.deadLetter(item, err)
				continue
			}
			updated[item.ID] = item
			q.logger.Warn("replay failed",
				"action", "process",
				"item_id", item.ID,
				"item_type", item.Type,
				"retry_count", item.RetryCount,
				"error", err,
			)
			continue
		}
		res.Synced++
		synced[item.ID] = true
	}

	deadIDs := make(map[string]bool, len(dead))
	for _, d := range dead {
		deadIDs[d.ID] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := Load(ctx, q.store, q.key)
	if err != nil {
		return res, fmt.Errorf("re-read sync queue: %w", err)
	}
	survivors := make([]Item, 0, len(current))
	for _, item := range current {
		if synced[item.ID] || deadIDs[item.ID] {
			continue
		}
		if u, ok := updated[item.ID]; ok {
			item = u
		}
		survivors = append(survivors, item)
	}
	if err := Save(ctx, q.store, q.key, survivors); err != nil {
		return res, fmt.Errorf("write sync queue: %w", err)
	}

	if len(dead) > 0 {
		failed, err := Load(ctx, q.store, q.failedKey)
		if err != nil {
			return res, fmt.Errorf("read failed queue: %w", err)
		}
		if err := Save(ctx, q.store, q.failedKey, append(failed, dead...)); err != nil {
			return res, fmt.Errorf("write failed queue: %w", err)
		}
	}

	q.logger.Info("sync pass complete",
		"action", "process",
		"synced", res.Synced,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"remaining", len(survivors),
	)
	return res, nil
}

func (q *Queue) deadLetter(item Item, cause error) {
	q.logger.Error("item dead-lettered",
		"action", "dead_letter",
		"item_id", item.ID,
		"item_type", item.Type,
		"retry_count", item.RetryCount,
		"error", cause,
	)
	q.reporter.CaptureException(
		fmt.Errorf("sync item %s (%s) failed %d times: %w", item.ID, item.Type, item.RetryCount, cause),
		diagnostics.Tags{
			"component": "sync-queue",
			"item_type": string(item.Type),
			"item_id":   item.ID,
		},
	)
}
