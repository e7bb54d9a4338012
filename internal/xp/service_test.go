package xp

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/remote/remotetest"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/internal/validation"
)

func newTestService() (*Service, *remotetest.Fake, *kv.Memory) {
	fake := remotetest.New()
	store := kv.NewMemory()
	return NewService(fake, store, nil), fake, store
}

func TestAward_RejectsInvalidDeltasWithoutIO(t *testing.T) {
	svc, fake, store := newTestService()

	for _, delta := range []float64{-1, 1.5, math.NaN(), math.Inf(1)} {
		_, err := svc.Award(context.Background(), "u1", delta)
		if !errors.Is(err, ErrInvalidDelta) {
			t.Errorf("Award(%v) error = %v, want ErrInvalidDelta", delta, err)
		}
		var ve *validation.ValidationError
		if !errors.As(err, &ve) || ve.Field != "delta" {
			t.Errorf("Award(%v) error does not carry the validation detail: %v", delta, err)
		}
	}
	if n := len(fake.Calls()); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Errorf("local keys written: %v", keys)
	}
}

func TestAward_ZeroIsPlainRead(t *testing.T) {
	svc, fake, _ := newTestService()
	fake.Seed(types.TableXP, types.XPRecord{UserID: "u1", TotalXP: 70})

	got, err := svc.Award(context.Background(), "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalXP != 70 {
		t.Errorf("TotalXP = %d, want 70", got.TotalXP)
	}
	if n := fake.CallCount(remotetest.OpRPC, ""); n != 0 {
		t.Errorf("rpc calls = %d, want 0", n)
	}
}

func TestAward_AtomicIncrement(t *testing.T) {
	svc, fake, _ := newTestService()
	ctx := context.Background()
	fake.Seed(types.TableXP, types.XPRecord{UserID: "u1", TotalXP: 40})

	got, err := svc.Award(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalXP != 50 {
		t.Errorf("TotalXP = %d, want 50", got.TotalXP)
	}

	calls := fake.Calls()
	if len(calls) != 1 || calls[0].Table != types.ProcIncrementXP {
		t.Fatalf("calls = %+v, want one increment", calls)
	}
	if calls[0].Body["delta"] != float64(10) || calls[0].Body["user_id"] != "u1" {
		t.Errorf("rpc args = %v", calls[0].Body)
	}
	if svc.cachedTotal(ctx, "u1") != 50 {
		t.Errorf("cached total = %d, want 50", svc.cachedTotal(ctx, "u1"))
	}
}

func TestAward_FailureAccumulatesPending(t *testing.T) {
	svc, fake, store := newTestService()
	ctx := context.Background()
	kv.SetJSON(ctx, store, CacheKey("u1"), types.XPRecord{UserID: "u1", TotalXP: 100})
	fake.SetFailAll(remotetest.ErrNetwork)

	first, err := svc.Award(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Award(ctx, "u1", 15)
	if err != nil {
		t.Fatal(err)
	}

	if first.TotalXP != 110 || second.TotalXP != 125 {
		t.Errorf("optimistic totals = %d, %d; want 110, 125", first.TotalXP, second.TotalXP)
	}
	raw, ok, _ := store.GetItem(ctx, PendingKey("u1"))
	if !ok || raw != "25" {
		t.Errorf("pending = %q, want 25", raw)
	}
}

func TestSyncPending(t *testing.T) {
	ctx := context.Background()

	t.Run("absent is a no-op", func(t *testing.T) {
		svc, fake, _ := newTestService()
		if _, ok := svc.SyncPending(ctx, "u1"); ok {
			t.Error("ok = true")
		}
		if len(fake.Calls()) != 0 {
			t.Error("remote called")
		}
	})

	t.Run("corrupt counter is cleared", func(t *testing.T) {
		svc, fake, store := newTestService()
		store.SetItem(ctx, PendingKey("u1"), "twenty")
		if _, ok := svc.SyncPending(ctx, "u1"); ok {
			t.Error("ok = true")
		}
		if _, present, _ := store.GetItem(ctx, PendingKey("u1")); present {
			t.Error("corrupt counter not cleared")
		}
		if len(fake.Calls()) != 0 {
			t.Error("remote called")
		}
	})

	t.Run("success clears counter", func(t *testing.T) {
		svc, fake, store := newTestService()
		fake.Seed(types.TableXP, types.XPRecord{UserID: "u1", TotalXP: 100})
		store.SetItem(ctx, PendingKey("u1"), "25")

		rec, ok := svc.SyncPending(ctx, "u1")
		if !ok || rec.TotalXP != 125 {
			t.Errorf("SyncPending() = %+v, %v; want 125", rec, ok)
		}
		if _, present, _ := store.GetItem(ctx, PendingKey("u1")); present {
			t.Error("pending counter not cleared")
		}
		if svc.cachedTotal(ctx, "u1") != 125 {
			t.Errorf("cached = %d", svc.cachedTotal(ctx, "u1"))
		}
	})

	t.Run("failure leaves counter", func(t *testing.T) {
		svc, fake, store := newTestService()
		store.SetItem(ctx, PendingKey("u1"), "25")
		fake.FailNext(remotetest.OpRPC, types.ProcIncrementXP, remotetest.ErrNetwork)

		if _, ok := svc.SyncPending(ctx, "u1"); ok {
			t.Error("ok = true")
		}
		if raw, _, _ := store.GetItem(ctx, PendingKey("u1")); raw != "25" {
			t.Errorf("pending = %q, want 25", raw)
		}
	})
}

func TestOfflineAwardsReconcile(t *testing.T) {
	svc, fake, _ := newTestService()
	ctx := context.Background()
	fake.Seed(types.TableXP, types.XPRecord{UserID: "u1", TotalXP: 100})

	if got := svc.Fetch(ctx, "u1"); got.TotalXP != 100 {
		t.Fatalf("Fetch() = %d", got.TotalXP)
	}

	fake.SetFailAll(remotetest.ErrNetwork)
	svc.Award(ctx, "u1", 10)
	svc.Award(ctx, "u1", 15)
	if got := svc.Fetch(ctx, "u1"); got.TotalXP != 125 {
		t.Errorf("offline Fetch() = %d, want cached 125", got.TotalXP)
	}

	fake.SetFailAll(nil)
	if got := svc.Fetch(ctx, "u1"); got.TotalXP != 125 {
		t.Errorf("online Fetch() with pending = %d, want 125", got.TotalXP)
	}
	if rec, ok := svc.SyncPending(ctx, "u1"); !ok || rec.TotalXP != 125 {
		t.Errorf("SyncPending() = %+v, %v", rec, ok)
	}
	if svc.Pending(ctx, "u1") != 0 {
		t.Error("pending not cleared")
	}
	if rows := fake.Rows(types.TableXP); rows[0]["total_xp"] != float64(125) {
		t.Errorf("remote total = %v, want 125", rows[0]["total_xp"])
	}
}

func TestFetch_CreatesMissingRow(t *testing.T) {
	svc, fake, _ := newTestService()
	got := svc.Fetch(context.Background(), "u2")
	if got.TotalXP != 0 || got.UserID != "u2" {
		t.Errorf("Fetch() = %+v", got)
	}
	if n := fake.CallCount(remotetest.OpInsert, types.TableXP); n != 1 {
		t.Errorf("insert calls = %d, want 1", n)
	}
}

func TestFetch_InsertRaceReReads(t *testing.T) {
	svc, fake, store := newTestService()
	ctx := context.Background()
	// Another device creates the row between our read and insert.
	fake.Seed(types.TableXP, types.XPRecord{UserID: "u1", TotalXP: 120})
	fake.FailNext(remotetest.OpSelectOne, types.TableXP, &remote.Error{Kind: remote.NotFound, Code: remote.CodeNoRows})
	store.SetItem(ctx, PendingKey("u1"), "15")

	got := svc.Fetch(ctx, "u1")

	if got.TotalXP != 135 {
		t.Errorf("TotalXP = %d, want existing 120 plus pending 15", got.TotalXP)
	}
	if n := fake.CallCount(remotetest.OpSelectOne, types.TableXP); n != 2 {
		t.Errorf("select calls = %d, want 2", n)
	}
	if n := fake.CallCount(remotetest.OpInsert, types.TableXP); n != 1 {
		t.Errorf("insert calls = %d, want 1", n)
	}
	if rows := fake.Rows(types.TableXP); len(rows) != 1 {
		t.Errorf("remote rows = %d, want 1", len(rows))
	}
}

func TestFetch_FallsBackToCacheThenDefault(t *testing.T) {
	svc, fake, store := newTestService()
	ctx := context.Background()
	fake.SetFailAll(remotetest.ErrNetwork)

	if got := svc.Fetch(ctx, "u1"); got != (types.XPRecord{UserID: "u1"}) {
		t.Errorf("Fetch() without cache = %+v, want zero record", got)
	}

	kv.SetJSON(ctx, store, CacheKey("u1"), types.XPRecord{UserID: "u1", TotalXP: 45})
	if got := svc.Fetch(ctx, "u1"); got.TotalXP != 45 || got.UserID != "u1" {
		t.Errorf("Fetch() = %+v, want cached total 45", got)
	}
	if n := fake.CallCount(remotetest.OpInsert, types.TableXP); n != 0 {
		t.Errorf("insert calls = %d, want 0 on a transient read failure", n)
	}
}
