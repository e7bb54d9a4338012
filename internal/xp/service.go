// Package xp keeps a user's experience total consistent between the device
// and the remote. Remote changes are always atomic increments; XP earned
// offline accumulates in a local pending counter until it can be flushed.
package xp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/internal/validation"
)

// ErrInvalidDelta is returned for negative, fractional or non-finite deltas.
var ErrInvalidDelta = errors.New("invalid xp delta")

// CacheKey is the local cache key of a user's XP record.
func CacheKey(userID string) string { return "xp_cache_" + userID }

// PendingKey is the local key of a user's unflushed XP delta.
func PendingKey(userID string) string { return "xp_pending_" + userID }

// Service reads, awards and flushes XP.
type Service struct {
	remote remote.Client
	store  kv.Storage
	logger *slog.Logger

	// mu guards read-modify-write of the cache and pending keys.
	mu sync.Mutex
	// syncMu allows one pending flush at a time so a delta is sent once.
	syncMu sync.Mutex
}

// NewService creates a Service. A nil logger uses slog.Default.
func NewService(client remote.Client, store kv.Storage, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		remote: client,
		store:  store,
		logger: logger.With("component", "xp"),
	}
}

// Fetch returns the user's XP: the remote total plus any pending delta. It
// never fails; a missing row is created and remote failures fall back to
// the cache or zero.
func (s *Service) Fetch(ctx context.Context, userID string) types.XPRecord {
	total, err := s.readOrCreate(ctx, userID)
	if err != nil {
		s.logger.Warn("remote xp read failed, using cache",
			"action", "fetch",
			"user_id", userID,
			"error", err,
		)
		return types.XPRecord{UserID: userID, TotalXP: s.cachedTotal(ctx, userID)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending, _ := s.pending(ctx, userID)
	rec := types.XPRecord{UserID: userID, TotalXP: total + pending}
	s.cache(ctx, rec)
	return rec
}

func (s *Service) readOrCreate(ctx context.Context, userID string) (int64, error) {
	var rec types.XPRecord
	err := s.remote.SelectOne(ctx, types.TableXP, remote.Where(remote.Eq("user_id", userID)), &rec)
	if err == nil {
		return rec.TotalXP, nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return 0, err
	}

	err = s.remote.Insert(ctx, types.TableXP, types.XPRecord{UserID: userID}, nil)
	switch {
	case err == nil:
		s.logger.Info("xp row created", "action", "create", "user_id", userID)
		return 0, nil
	case errors.Is(err, remote.ErrUniqueViolation):
		if err := s.remote.SelectOne(ctx, types.TableXP, remote.Where(remote.Eq("user_id", userID)), &rec); err != nil {
			return 0, err
		}
		return rec.TotalXP, nil
	default:
		return 0, err
	}
}

// Award adds delta XP. Invalid deltas are rejected before any I/O. A zero
// delta is a plain Fetch. When the remote increment fails the returned
// total is optimistic and delta joins the pending counter.
func (s *Service) Award(ctx context.Context, userID string, delta float64) (types.XPRecord, error) {
	if v := validation.ValidateIdentifier("user_id", userID); v != nil {
		return types.XPRecord{}, v
	}
	if v := validation.ValidateXPDelta("delta", delta); v != nil {
		return types.XPRecord{}, fmt.Errorf("%w: %w", ErrInvalidDelta, v)
	}
	if delta == 0 {
		return s.Fetch(ctx, userID), nil
	}
	amount := int64(delta)

	total, err := s.increment(ctx, userID, amount)
	if err == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		pending, _ := s.pending(ctx, userID)
		rec := types.XPRecord{UserID: userID, TotalXP: total + pending}
		s.cache(ctx, rec)
		return rec, nil
	}

	s.logger.Warn("remote xp increment failed, holding delta locally",
		"action", "award",
		"user_id", userID,
		"delta", amount,
		"error", err,
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	optimistic := types.XPRecord{UserID: userID, TotalXP: s.cachedTotal(ctx, userID) + amount}
	pending, _ := s.pending(ctx, userID)
	if err := s.store.SetItem(ctx, PendingKey(userID), strconv.FormatInt(pending+amount, 10)); err != nil {
		s.logger.Error("store pending xp failed", "action", "award", "user_id", userID, "error", err)
	}
	s.cache(ctx, optimistic)
	return optimistic, nil
}

// SyncPending flushes the pending delta. It reports false when there was
// nothing to flush, the stored counter was corrupt (it is cleared), or the
// remote increment failed (the counter is left for a later attempt).
func (s *Service) SyncPending(ctx context.Context, userID string) (types.XPRecord, bool) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	amount, ok := s.pending(ctx, userID)
	s.mu.Unlock()
	if !ok || amount == 0 {
		return types.XPRecord{}, false
	}

	total, err := s.increment(ctx, userID, amount)
	if err != nil {
		s.logger.Warn("pending xp flush failed",
			"action", "sync_pending",
			"user_id", userID,
			"pending", amount,
			"error", err,
		)
		return types.XPRecord{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Awards that failed while the flush was in flight stay pending.
	current, _ := s.pending(ctx, userID)
	remaining := current - amount
	if remaining > 0 {
		if err := s.store.SetItem(ctx, PendingKey(userID), strconv.FormatInt(remaining, 10)); err != nil {
			s.logger.Error("store pending xp failed", "action", "sync_pending", "user_id", userID, "error", err)
		}
	} else {
		remaining = 0
		if err := s.store.RemoveItem(ctx, PendingKey(userID)); err != nil {
			s.logger.Error("clear pending xp failed", "action", "sync_pending", "user_id", userID, "error", err)
		}
	}

	rec := types.XPRecord{UserID: userID, TotalXP: total + remaining}
	s.cache(ctx, rec)
	s.logger.Info("pending xp flushed", "action", "sync_pending", "user_id", userID, "amount", amount, "total", total)
	return rec, true
}

// Pending returns the unflushed delta; zero when absent or corrupt.
func (s *Service) Pending(ctx context.Context, userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.pending(ctx, userID)
	return n
}

func (s *Service) increment(ctx context.Context, userID string, amount int64) (int64, error) {
	var total int64
	err := s.remote.RPC(ctx, types.ProcIncrementXP, map[string]any{
		"user_id": userID,
		"delta":   amount,
	}, &total)
	return total, err
}

// pending reads the counter. A corrupt counter is removed and reported as
// absent. Callers hold s.mu.
func (s *Service) pending(ctx context.Context, userID string) (int64, bool) {
	raw, ok, err := s.store.GetItem(ctx, PendingKey(userID))
	if err != nil {
		s.logger.Warn("read pending xp failed", "user_id", userID, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		s.logger.Warn("discarding corrupt pending xp", "user_id", userID, "value", raw)
		if err := s.store.RemoveItem(ctx, PendingKey(userID)); err != nil {
			s.logger.Error("clear pending xp failed", "user_id", userID, "error", err)
		}
		return 0, false
	}
	return n, true
}

func (s *Service) cachedTotal(ctx context.Context, userID string) int64 {
	var rec types.XPRecord
	if ok, err := kv.GetJSON(ctx, s.store, CacheKey(userID), &rec); err != nil || !ok {
		return 0
	}
	return rec.TotalXP
}

func (s *Service) cache(ctx context.Context, rec types.XPRecord) {
	if err := kv.SetJSON(ctx, s.store, CacheKey(rec.UserID), rec); err != nil {
		s.logger.Warn("cache xp failed", "user_id", rec.UserID, "error", err)
	}
}
