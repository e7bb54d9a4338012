package streak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/lughah/internal/diagnostics"
	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/syncqueue"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/internal/validation"
)

// CacheKey is the local cache key of a user's streak record.
func CacheKey(userID string) string {
	return "streak_cache_" + userID
}

// Service reconciles the remote streak row with the local cache.
type Service struct {
	remote remote.Client
	store  kv.Storage
	engine *Engine
	queue  *syncqueue.Queue
	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithQueue makes failed streak writes queue a streak_update item.
func WithQueue(q *syncqueue.Queue) ServiceOption {
	return func(s *Service) { s.queue = q }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(client remote.Client, store kv.Storage, engine *Engine, opts ...ServiceOption) *Service {
	s := &Service{
		remote: client,
		store:  store,
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "streak")
	return s
}

// Engine returns the rule engine the service applies.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Fetch returns the user's streak. It never fails: a missing remote row is
// created, a stale streak is normalized to zero, and remote failures fall
// back to the cached record or a zero record.
func (s *Service) Fetch(ctx context.Context, userID string) types.StreakRecord {
	rec, _ := s.fetch(ctx, userID)
	return rec
}

// fetch is Fetch that also reports whether rec came from the remote.
func (s *Service) fetch(ctx context.Context, userID string) (types.StreakRecord, bool) {
	rec, err := s.readOrCreate(ctx, userID)
	if err != nil {
		s.logger.Warn("remote streak read failed, using cache",
			"action", "fetch",
			"user_id", userID,
			"error", err,
		)
		cached := s.cachedOrDefault(ctx, userID)
		cached.CurrentStreak = s.engine.EffectiveCurrentStreak(cached.LastActivityDate, cached.CurrentStreak, cached.FreezeUsedAt)
		return cached, false
	}

	effective := s.engine.EffectiveCurrentStreak(rec.LastActivityDate, rec.CurrentStreak, rec.FreezeUsedAt)
	if effective != rec.CurrentStreak {
		s.logger.Info("normalizing stale streak",
			"action", "normalize",
			"user_id", userID,
			"stored_streak", rec.CurrentStreak,
		)
		rec.CurrentStreak = effective
		diagnostics.BestEffort(ctx, s.logger, "normalize_streak", func(ctx context.Context) error {
			return s.remote.Update(ctx, types.TableStreaks,
				map[string]any{"current_streak": effective},
				remote.Eq("user_id", userID))
		})
	}

	s.cache(ctx, rec)
	return rec, true
}

// readOrCreate reads the remote row, inserting a zero row when none exists.
// An insert that loses a race to another device re-reads the winner's row.
func (s *Service) readOrCreate(ctx context.Context, userID string) (types.StreakRecord, error) {
	var rec types.StreakRecord
	err := s.remote.SelectOne(ctx, types.TableStreaks, remote.Where(remote.Eq("user_id", userID)), &rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return types.StreakRecord{}, err
	}

	rec = types.StreakRecord{UserID: userID}
	var created types.StreakRecord
	err = s.remote.Insert(ctx, types.TableStreaks, rec, &created)
	switch {
	case err == nil:
		if created.UserID == "" {
			created = rec
		}
		s.logger.Info("streak row created", "action", "create", "user_id", userID)
		return created, nil
	case errors.Is(err, remote.ErrUniqueViolation):
		var existing types.StreakRecord
		if err := s.remote.SelectOne(ctx, types.TableStreaks, remote.Where(remote.Eq("user_id", userID)), &existing); err != nil {
			return types.StreakRecord{}, err
		}
		return existing, nil
	default:
		return types.StreakRecord{}, err
	}
}

// RecordActivity counts today's activity. When today is already counted no
// write is made. Only an invalid user id is returned as an error.
//
// When the remote row could not be read, or the write fails, the optimistic
// record is cached and the activity is queued as a streak_update event.
func (s *Service) RecordActivity(ctx context.Context, userID string) (types.StreakRecord, error) {
	if v := validation.ValidateIdentifier("user_id", userID); v != nil {
		return types.StreakRecord{}, v
	}

	rec, fresh := s.fetch(ctx, userID)
	today := s.engine.Today()
	next, changed := ApplyActivity(rec, today)
	if !changed {
		return rec, nil
	}

	s.write(ctx, next, fresh, activityValues(next), types.StreakUpdate{
		UserID: userID,
		Event:  types.StreakEventActivity,
		Date:   today,
	})
	return next, nil
}

// UseFreeze spends this week's freeze. When the freeze is not available the
// record is returned unchanged without a write.
func (s *Service) UseFreeze(ctx context.Context, userID string) (types.StreakRecord, error) {
	if v := validation.ValidateIdentifier("user_id", userID); v != nil {
		return types.StreakRecord{}, v
	}

	rec, fresh := s.fetch(ctx, userID)
	if !s.engine.IsFreezeAvailable(rec.FreezeUsedAt) {
		return rec, nil
	}

	today := s.engine.Today()
	rec.FreezeUsedAt = today
	s.write(ctx, rec, fresh, freezeValues(rec), types.StreakUpdate{
		UserID: userID,
		Event:  types.StreakEventFreeze,
		Date:   today,
	})
	return rec, nil
}

// write caches rec and persists values remotely when rec was derived from
// the remote row. Otherwise, or when the write fails, event is queued so
// that replay re-applies it to whatever the remote holds by then.
func (s *Service) write(ctx context.Context, rec types.StreakRecord, fresh bool, values map[string]any, event types.StreakUpdate) {
	s.cache(ctx, rec)

	action := "record_activity"
	if event.Event == types.StreakEventFreeze {
		action = "use_freeze"
	}
	if fresh {
		err := s.remote.Update(ctx, types.TableStreaks, values, remote.Eq("user_id", rec.UserID))
		if err == nil {
			return
		}
		s.logger.Warn("remote streak write failed, queued",
			"action", action,
			"user_id", rec.UserID,
			"error", err,
		)
	} else {
		s.logger.Info("remote streak unavailable, queued",
			"action", action,
			"user_id", rec.UserID,
		)
	}

	if s.queue == nil {
		return
	}
	if _, err := s.queue.Add(ctx, syncqueue.NewItem{Type: syncqueue.TypeStreakUpdate, Payload: event}); err != nil {
		s.logger.Error("queue streak update failed", "action", action, "user_id", rec.UserID, "error", err)
	}
}

// Replay applies a queued streak_update event to the current remote row.
// It is the sync queue's replay function for TypeStreakUpdate.
func (s *Service) Replay(ctx context.Context, item syncqueue.Item) error {
	var event types.StreakUpdate
	if err := json.Unmarshal(item.Payload, &event); err != nil {
		return fmt.Errorf("decode %s payload: %w", item.Type, err)
	}
	var v validation.Collector
	v.Add(validation.ValidateIdentifier("user_id", event.UserID))
	v.Add(validation.ValidateRequired("date", event.Date))
	v.Add(validation.ValidateLocalDate("date", event.Date))
	if err := v.Err(); err != nil {
		return err
	}

	rec, err := s.readOrCreate(ctx, event.UserID)
	if err != nil {
		return err
	}

	var (
		changed bool
		values  map[string]any
	)
	switch event.Event {
	case types.StreakEventActivity:
		rec, changed = ApplyActivity(rec, event.Date)
		values = activityValues(rec)
	case types.StreakEventFreeze:
		rec, changed = ApplyFreeze(rec, event.Date)
		values = freezeValues(rec)
	default:
		return fmt.Errorf("unknown streak event %q", event.Event)
	}

	if changed {
		if err := s.remote.Update(ctx, types.TableStreaks, values, remote.Eq("user_id", event.UserID)); err != nil {
			return err
		}
	}
	s.cache(ctx, rec)

	s.logger.Info("streak event replayed",
		"action", "replay",
		"user_id", event.UserID,
		"event", event.Event,
		"date", event.Date,
		"changed", changed,
	)
	return nil
}

func activityValues(rec types.StreakRecord) map[string]any {
	return map[string]any{
		"current_streak":     rec.CurrentStreak,
		"longest_streak":     rec.LongestStreak,
		"last_activity_date": rec.LastActivityDate,
	}
}

func freezeValues(rec types.StreakRecord) map[string]any {
	return map[string]any{"freeze_used_at": rec.FreezeUsedAt}
}

func (s *Service) cache(ctx context.Context, rec types.StreakRecord) {
	if err := kv.SetJSON(ctx, s.store, CacheKey(rec.UserID), rec); err != nil {
		s.logger.Warn("cache streak failed", "user_id", rec.UserID, "error", err)
	}
}

// Cached returns the locally cached record, if any.
func (s *Service) Cached(ctx context.Context, userID string) (types.StreakRecord, bool) {
	var rec types.StreakRecord
	ok, err := kv.GetJSON(ctx, s.store, CacheKey(userID), &rec)
	if err != nil {
		s.logger.Warn("read cached streak failed", "user_id", userID, "error", err)
		return types.StreakRecord{}, false
	}
	return rec, ok
}

func (s *Service) cachedOrDefault(ctx context.Context, userID string) types.StreakRecord {
	if rec, ok := s.Cached(ctx, userID); ok {
		rec.UserID = userID
		return rec
	}
	return types.StreakRecord{UserID: userID}
}

// Summary fetches the record and evaluates it.
func (s *Service) Summary(ctx context.Context, userID string) Summary {
	return s.engine.Summarize(s.Fetch(ctx, userID))
}
