package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperengineering/lughah/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_NewSQLiteStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backend.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Re-opening applies no migration twice.
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s.Close()
}

func TestStore_InsertAndSelectOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row, err := s.Insert(ctx, types.TableStreaks, Row{"user_id": "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if row["current_streak"] != int64(0) || row["last_activity_date"] != nil {
		t.Errorf("inserted row = %v, want defaults", row)
	}

	got, err := s.SelectOne(ctx, types.TableStreaks, Query{Filters: []Filter{{Column: "user_id", Op: OpEq, Value: "u1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if got["user_id"] != "u1" {
		t.Errorf("SelectOne() = %v", got)
	}

	_, err = s.SelectOne(ctx, types.TableStreaks, Query{Filters: []Filter{{Column: "user_id", Op: OpEq, Value: "nobody"}}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("SelectOne(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_InsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, types.TableXP, Row{"user_id": "u1"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Insert(ctx, types.TableXP, Row{"user_id": "u1"})
	if !errors.Is(err, ErrUniqueViolation) {
		t.Errorf("duplicate insert error = %v, want ErrUniqueViolation", err)
	}
}

func TestStore_RejectsUnknownIdentifiers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"table", func() error {
			_, err := s.Select(ctx, "users; DROP TABLE user_xp", Query{})
			return err
		}, ErrUnknownTable},
		{"insert column", func() error {
			_, err := s.Insert(ctx, types.TableXP, Row{"user_id": "u1", "admin": true})
			return err
		}, ErrUnknownColumn},
		{"filter column", func() error {
			_, err := s.Select(ctx, types.TableXP, Query{Filters: []Filter{{Column: "x", Op: OpEq, Value: 1}}})
			return err
		}, ErrUnknownColumn},
		{"operator", func() error {
			_, err := s.Select(ctx, types.TableXP, Query{Filters: []Filter{{Column: "user_id", Op: "like", Value: "%"}}})
			return err
		}, ErrInvalidFilter},
		{"order column", func() error {
			_, err := s.Select(ctx, types.TableXP, Query{OrderBy: "nope"})
			return err
		}, ErrUnknownColumn},
		{"empty row", func() error {
			_, err := s.Insert(ctx, types.TableXP, Row{})
			return err
		}, ErrEmptyRow},
		{"unfiltered update", func() error {
			_, err := s.Update(ctx, types.TableXP, Row{"total_xp": 1}, nil)
			return err
		}, ErrInvalidFilter},
		{"non-key conflict target", func() error {
			return s.Upsert(ctx, types.TableWordProgress, []Row{{"user_id": "u1", "word_id": "w1"}}, []string{"user_id"})
		}, ErrInvalidFilter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := Row{"user_id": "u1", "word_id": "w1", "ease_factor": 2.36, "interval": float64(6), "repetitions": float64(2), "status": "learning"}

	for i := 0; i < 3; i++ {
		if err := s.Upsert(ctx, types.TableWordProgress, []Row{row}, []string{"user_id", "word_id"}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	rows, err := s.Select(ctx, types.TableWordProgress, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0]["interval"] != int64(6) || rows[0]["ease_factor"] != 2.36 {
		t.Errorf("row = %v", rows[0])
	}

	row["interval"] = float64(15)
	if err := s.Upsert(ctx, types.TableWordProgress, []Row{row}, nil); err != nil {
		t.Fatal(err)
	}
	rows, _ = s.Select(ctx, types.TableWordProgress, Query{})
	if rows[0]["interval"] != int64(15) {
		t.Errorf("interval after update = %v, want 15", rows[0]["interval"])
	}
}

func TestStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Insert(ctx, types.TableSettings, Row{"user_id": "u1"})

	n, err := s.Update(ctx, types.TableSettings,
		Row{"theme": "dark", "sound_enabled": false},
		[]Filter{{Column: "user_id", Op: OpEq, Value: "u1"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("affected = %d, want 1", n)
	}
	row, _ := s.SelectOne(ctx, types.TableSettings, Query{Filters: []Filter{{Column: "user_id", Op: OpEq, Value: "u1"}}})
	if row["theme"] != "dark" || row["sound_enabled"] != int64(0) {
		t.Errorf("row = %v", row)
	}

	n, err = s.Update(ctx, types.TableSettings, Row{"theme": "light"}, []Filter{{Column: "user_id", Op: OpEq, Value: "u2"}})
	if err != nil || n != 0 {
		t.Errorf("update of missing row = %d, %v", n, err)
	}
}

func TestStore_SelectFiltersOrderLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, r := range []Row{
		{"user_id": "u1", "word_id": "a", "next_review": "2026-10-10T00:00:00Z"},
		{"user_id": "u1", "word_id": "b", "next_review": "2026-10-20T00:00:00Z"},
		{"user_id": "u1", "word_id": "c", "next_review": "2026-10-12T00:00:00Z"},
		{"user_id": "u2", "word_id": "a", "next_review": "2026-10-01T00:00:00Z"},
	} {
		if _, err := s.Insert(ctx, types.TableWordProgress, r); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.Select(ctx, types.TableWordProgress, Query{
		Filters: []Filter{
			{Column: "user_id", Op: OpEq, Value: "u1"},
			{Column: "next_review", Op: OpLte, Value: "2026-10-14T00:00:00Z"},
		},
		OrderBy:    "next_review",
		Descending: true,
		Limit:      5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0]["word_id"] != "c" || rows[1]["word_id"] != "a" {
		t.Errorf("rows = %v", rows)
	}
}

func TestStore_IncrementUserXP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total, err := s.IncrementUserXP(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 10 {
		t.Errorf("first increment = %d, want 10", total)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementUserXP(ctx, "u1", 5); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	row, _ := s.SelectOne(ctx, types.TableXP, Query{Filters: []Filter{{Column: "user_id", Op: OpEq, Value: "u1"}}})
	if row["total_xp"] != int64(110) {
		t.Errorf("total_xp = %v, want 110", row["total_xp"])
	}
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.IncrementUserXP(ctx, "u1", 1)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tables != len(Schemas) || stats.Rows[types.TableXP] != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if names := TableNames(); len(names) != len(Schemas) || names[0] != types.TableLessonProgress {
		t.Errorf("TableNames() = %v", names)
	}
}
