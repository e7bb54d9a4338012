package streak

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hyperengineering/lughah/internal/kv"
	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/remote/remotetest"
	"github.com/hyperengineering/lughah/internal/syncqueue"
	"github.com/hyperengineering/lughah/internal/types"
)

type serviceFixture struct {
	svc   *Service
	fake  *remotetest.Fake
	store *kv.Memory
	queue *syncqueue.Queue
	clock *clockwork.FakeClock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	store := kv.NewMemory()
	fake := remotetest.New()
	queue := syncqueue.New(store, syncqueue.WithClock(clock))
	return &serviceFixture{
		svc:   NewService(fake, store, NewEngine(clock), WithQueue(queue)),
		fake:  fake,
		store: store,
		queue: queue,
		clock: clock,
	}
}

func TestFetch_CreatesMissingRow(t *testing.T) {
	f := newServiceFixture(t)

	got := f.svc.Fetch(context.Background(), "u1")

	want := types.StreakRecord{UserID: "u1"}
	if got != want {
		t.Errorf("Fetch() = %+v, want %+v", got, want)
	}
	if n := f.fake.CallCount(remotetest.OpInsert, types.TableStreaks); n != 1 {
		t.Errorf("insert calls = %d, want 1", n)
	}
	if cached, ok := f.svc.Cached(context.Background(), "u1"); !ok || cached != want {
		t.Errorf("cached = %+v, %v", cached, ok)
	}
}

func TestFetch_InsertRaceReReads(t *testing.T) {
	f := newServiceFixture(t)
	// Another device creates the row between our read and insert.
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 2, LongestStreak: 4, LastActivityDate: today})
	f.fake.FailNext(remotetest.OpSelectOne, types.TableStreaks, &remote.Error{Kind: remote.NotFound, Code: remote.CodeNoRows})

	got := f.svc.Fetch(context.Background(), "u1")

	if got.CurrentStreak != 2 || got.LongestStreak != 4 {
		t.Errorf("Fetch() = %+v, want the existing row", got)
	}
	if n := f.fake.CallCount(remotetest.OpSelectOne, types.TableStreaks); n != 2 {
		t.Errorf("select calls = %d, want 2", n)
	}
}

func TestFetch_NormalizesStaleStreak(t *testing.T) {
	f := newServiceFixture(t)
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 6, LongestStreak: 6, LastActivityDate: weekAgo})

	got := f.svc.Fetch(context.Background(), "u1")

	if got.CurrentStreak != 0 || got.LongestStreak != 6 {
		t.Errorf("Fetch() = %+v, want current 0 longest 6", got)
	}
	rows := f.fake.Rows(types.TableStreaks)
	if rows[0]["current_streak"] != float64(0) {
		t.Errorf("remote current_streak = %v, want 0", rows[0]["current_streak"])
	}
}

func TestFetch_NormalizationFailureIsNotFatal(t *testing.T) {
	f := newServiceFixture(t)
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 6, LongestStreak: 6, LastActivityDate: weekAgo})
	f.fake.FailNext(remotetest.OpUpdate, types.TableStreaks, remotetest.ErrNetwork)

	got := f.svc.Fetch(context.Background(), "u1")
	if got.CurrentStreak != 0 {
		t.Errorf("CurrentStreak = %d, want 0", got.CurrentStreak)
	}
	if n := f.fake.CallCount(remotetest.OpUpdate, types.TableStreaks); n != 1 {
		t.Errorf("update attempts = %d, want 1", n)
	}
}

func TestFetch_FallsBackToCacheThenDefault(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.fake.SetFailAll(remotetest.ErrNetwork)

	if got := f.svc.Fetch(ctx, "u1"); got != (types.StreakRecord{UserID: "u1"}) {
		t.Errorf("Fetch() without cache = %+v, want zero record", got)
	}

	cached := types.StreakRecord{UserID: "u1", CurrentStreak: 3, LongestStreak: 5, LastActivityDate: yesterday}
	kv.SetJSON(ctx, f.store, CacheKey("u1"), cached)
	if got := f.svc.Fetch(ctx, "u1"); got != cached {
		t.Errorf("Fetch() = %+v, want cached %+v", got, cached)
	}
}

func TestRecordActivity_Continuation(t *testing.T) {
	f := newServiceFixture(t)
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 3, LongestStreak: 3, LastActivityDate: yesterday})

	got, err := f.svc.RecordActivity(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RecordActivity() error = %v", err)
	}
	if got.CurrentStreak != 4 || got.LongestStreak != 4 || got.LastActivityDate != today {
		t.Errorf("RecordActivity() = %+v", got)
	}

	var updates []remotetest.Call
	for _, c := range f.fake.Calls() {
		if c.Op == remotetest.OpUpdate {
			updates = append(updates, c)
		}
	}
	if len(updates) != 1 {
		t.Fatalf("update calls = %d, want 1", len(updates))
	}
	if updates[0].Body["last_activity_date"] != today {
		t.Errorf("last_activity_date = %v, want %s", updates[0].Body["last_activity_date"], today)
	}
}

func TestRecordActivity_AlreadyCountedIsSingleRead(t *testing.T) {
	f := newServiceFixture(t)
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 3, LongestStreak: 8, LastActivityDate: today})

	got, err := f.svc.RecordActivity(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStreak != 3 {
		t.Errorf("CurrentStreak = %d, want 3", got.CurrentStreak)
	}
	calls := f.fake.Calls()
	if len(calls) != 1 || calls[0].Op != remotetest.OpSelectOne {
		t.Errorf("calls = %+v, want a single read", calls)
	}
}

func TestRecordActivity_LongestStreakIsMonotonic(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Three days on, two days off, two days on.
	days := []bool{true, true, true, false, false, true, true}
	maxSeen := 0
	for _, active := range days {
		if active {
			rec, err := f.svc.RecordActivity(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if rec.CurrentStreak > maxSeen {
				maxSeen = rec.CurrentStreak
			}
			if rec.LongestStreak < maxSeen || rec.LongestStreak < rec.CurrentStreak {
				t.Fatalf("LongestStreak %d below observed %d", rec.LongestStreak, maxSeen)
			}
		}
		f.clock.Advance(24 * time.Hour)
	}

	final := f.svc.Fetch(ctx, "u1")
	if final.LongestStreak != 3 {
		t.Errorf("LongestStreak = %d, want 3", final.LongestStreak)
	}
}

func TestRecordActivity_RemoteFailureQueuesUpdate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 1, LongestStreak: 1, LastActivityDate: yesterday})
	f.fake.FailNext(remotetest.OpUpdate, types.TableStreaks, remotetest.ErrNetwork)

	got, err := f.svc.RecordActivity(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStreak != 2 {
		t.Errorf("optimistic CurrentStreak = %d, want 2", got.CurrentStreak)
	}
	if cached, _ := f.svc.Cached(ctx, "u1"); cached.CurrentStreak != 2 {
		t.Errorf("cached CurrentStreak = %d, want 2", cached.CurrentStreak)
	}
	items := f.queue.Items(ctx)
	if len(items) != 1 || items[0].Type != syncqueue.TypeStreakUpdate {
		t.Fatalf("queue = %+v, want one streak_update", items)
	}

	var event types.StreakUpdate
	if err := json.Unmarshal(items[0].Payload, &event); err != nil {
		t.Fatal(err)
	}
	if event != (types.StreakUpdate{UserID: "u1", Event: types.StreakEventActivity, Date: today}) {
		t.Errorf("queued event = %+v", event)
	}

	f.queue.Register(syncqueue.TypeStreakUpdate, f.svc.Replay)
	if res, _ := f.queue.Process(ctx); res.Synced != 1 {
		t.Errorf("replay = %+v", res)
	}
	if rows := f.fake.Rows(types.TableStreaks); rows[0]["current_streak"] != float64(2) {
		t.Errorf("remote row after replay = %v", rows[0])
	}
}

func TestRecordActivity_OfflineReplayKeepsRemoteProgress(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	// Another device already counted today on a long streak.
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 10, LongestStreak: 20, LastActivityDate: today})
	f.fake.SetFailAll(remotetest.ErrNetwork)

	got, err := f.svc.RecordActivity(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStreak != 1 {
		t.Errorf("optimistic CurrentStreak = %d, want 1", got.CurrentStreak)
	}

	f.fake.SetFailAll(nil)
	f.fake.ResetCalls()
	f.queue.Register(syncqueue.TypeStreakUpdate, f.svc.Replay)
	res, err := f.queue.Process(ctx)
	if err != nil || res.Synced != 1 {
		t.Fatalf("Process() = %+v, %v", res, err)
	}

	rows := f.fake.Rows(types.TableStreaks)
	if rows[0]["current_streak"] != float64(10) || rows[0]["longest_streak"] != float64(20) {
		t.Errorf("remote row after replay = %v, want 10/20 untouched", rows[0])
	}
	if n := f.fake.CallCount(remotetest.OpUpdate, types.TableStreaks); n != 0 {
		t.Errorf("update calls = %d, want 0 for an already counted day", n)
	}
	if cached, _ := f.svc.Cached(ctx, "u1"); cached.CurrentStreak != 10 || cached.LongestStreak != 20 {
		t.Errorf("cache after replay = %+v, want the remote row", cached)
	}
}

func TestReplay_ContinuesRemoteStreak(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 3, LongestStreak: 7, LastActivityDate: yesterday})
	f.fake.FailNext(remotetest.OpSelectOne, types.TableStreaks, remotetest.ErrNetwork)

	// No cache: the optimistic record starts from zero.
	if _, err := f.svc.RecordActivity(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if n := f.fake.CallCount(remotetest.OpUpdate, ""); n != 0 {
		t.Errorf("update calls = %d, want 0 when the row could not be read", n)
	}

	f.queue.Register(syncqueue.TypeStreakUpdate, f.svc.Replay)
	if res, _ := f.queue.Process(ctx); res.Synced != 1 {
		t.Fatalf("replay = %+v", res)
	}
	row := f.fake.Rows(types.TableStreaks)[0]
	if row["current_streak"] != float64(4) || row["longest_streak"] != float64(7) || row["last_activity_date"] != today {
		t.Errorf("remote row after replay = %v, want 4/7 today", row)
	}
}

func TestReplay_Events(t *testing.T) {
	tests := []struct {
		name  string
		seed  types.StreakRecord
		event types.StreakUpdate
		want  types.StreakRecord
	}{
		{
			name:  "activity on a later day resets a broken streak",
			seed:  types.StreakRecord{UserID: "u1", CurrentStreak: 9, LongestStreak: 9, LastActivityDate: weekAgo},
			event: types.StreakUpdate{UserID: "u1", Event: types.StreakEventActivity, Date: yesterday},
			want:  types.StreakRecord{UserID: "u1", CurrentStreak: 1, LongestStreak: 9, LastActivityDate: yesterday},
		},
		{
			name:  "activity older than the remote is ignored",
			seed:  types.StreakRecord{UserID: "u1", CurrentStreak: 2, LongestStreak: 2, LastActivityDate: today},
			event: types.StreakUpdate{UserID: "u1", Event: types.StreakEventActivity, Date: yesterday},
			want:  types.StreakRecord{UserID: "u1", CurrentStreak: 2, LongestStreak: 2, LastActivityDate: today},
		},
		{
			name:  "freeze in a new week",
			seed:  types.StreakRecord{UserID: "u1", CurrentStreak: 2, LongestStreak: 2, LastActivityDate: yesterday, FreezeUsedAt: weekAgo},
			event: types.StreakUpdate{UserID: "u1", Event: types.StreakEventFreeze, Date: today},
			want:  types.StreakRecord{UserID: "u1", CurrentStreak: 2, LongestStreak: 2, LastActivityDate: yesterday, FreezeUsedAt: today},
		},
		{
			name:  "freeze already spent this week",
			seed:  types.StreakRecord{UserID: "u1", CurrentStreak: 2, LongestStreak: 2, LastActivityDate: yesterday, FreezeUsedAt: thisMonday},
			event: types.StreakUpdate{UserID: "u1", Event: types.StreakEventFreeze, Date: today},
			want:  types.StreakRecord{UserID: "u1", CurrentStreak: 2, LongestStreak: 2, LastActivityDate: yesterday, FreezeUsedAt: thisMonday},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			ctx := context.Background()
			f.fake.Seed(types.TableStreaks, tt.seed)

			item, err := syncqueue.Build(syncqueue.NewItem{Type: syncqueue.TypeStreakUpdate, Payload: tt.event}, testNow)
			if err != nil {
				t.Fatal(err)
			}
			if err := f.svc.Replay(ctx, item); err != nil {
				t.Fatalf("Replay() error = %v", err)
			}

			var got types.StreakRecord
			if err := f.fake.SelectOne(ctx, types.TableStreaks, remote.Where(remote.Eq("user_id", "u1")), &got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("remote row = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReplay_RejectsInvalidEvents(t *testing.T) {
	f := newServiceFixture(t)
	for _, event := range []types.StreakUpdate{
		{UserID: "", Event: types.StreakEventActivity, Date: today},
		{UserID: "u1", Event: types.StreakEventActivity, Date: ""},
		{UserID: "u1", Event: types.StreakEventActivity, Date: "14/10/2026"},
		{UserID: "u1", Event: "rewind", Date: today},
	} {
		item, _ := syncqueue.Build(syncqueue.NewItem{Type: syncqueue.TypeStreakUpdate, Payload: event}, testNow)
		if err := f.svc.Replay(context.Background(), item); err == nil {
			t.Errorf("Replay(%+v) should fail", event)
		}
	}
	if n := f.fake.CallCount(remotetest.OpUpdate, ""); n != 0 {
		t.Errorf("update calls = %d, want 0", n)
	}
}

func TestUseFreeze(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.fake.Seed(types.TableStreaks, types.StreakRecord{UserID: "u1", CurrentStreak: 5, LongestStreak: 5, LastActivityDate: yesterday, FreezeUsedAt: weekAgo})

	got, err := f.svc.UseFreeze(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.FreezeUsedAt != today {
		t.Errorf("FreezeUsedAt = %q, want %q", got.FreezeUsedAt, today)
	}
	if n := f.fake.CallCount(remotetest.OpUpdate, types.TableStreaks); n != 1 {
		t.Errorf("update calls = %d, want 1", n)
	}

	// Second use in the same week is a no-op.
	f.fake.ResetCalls()
	again, err := f.svc.UseFreeze(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if again.FreezeUsedAt != today {
		t.Errorf("FreezeUsedAt = %q", again.FreezeUsedAt)
	}
	if n := f.fake.CallCount(remotetest.OpUpdate, ""); n != 0 {
		t.Errorf("update calls = %d, want 0", n)
	}
}

func TestRecordActivity_InvalidUser(t *testing.T) {
	f := newServiceFixture(t)
	if _, err := f.svc.RecordActivity(context.Background(), ""); err == nil {
		t.Fatal("expected validation error")
	}
	if len(f.fake.Calls()) != 0 {
		t.Error("remote called for invalid user")
	}
}
