package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/hyperengineering/lughah/internal/types"
)

// Row is one table row keyed by column name.
type Row = map[string]any

// Op is a comparison operator accepted in filters.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Filter restricts a query to rows where Column Op Value holds.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Query selects rows from one table.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Store defines the row-level operations of the reference backend.
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	SelectOne(ctx context.Context, table string, q Query) (Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Upsert(ctx context.Context, table string, rows []Row, onConflict []string) error
	Update(ctx context.Context, table string, values Row, filters []Filter) (int64, error)
	IncrementUserXP(ctx context.Context, userID string, delta int64) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Stats summarises the backend for the health endpoint.
type Stats struct {
	Tables int
	Rows   map[string]int64
}

// TableSchema declares a table the backend exposes. Only declared tables and
// columns reach SQL; every identifier in a statement comes from a schema.
type TableSchema struct {
	Name    string
	Columns []string
	Key     []string
}

func (s TableSchema) hasColumn(col string) bool {
	return slices.Contains(s.Columns, col)
}

// Schemas lists the exposed tables. Columns mirror migrations/backend.
var Schemas = map[string]TableSchema{
	types.TableStreaks: {
		Name:    types.TableStreaks,
		Columns: []string{"user_id", "current_streak", "longest_streak", "last_activity_date", "freeze_used_at"},
		Key:     []string{"user_id"},
	},
	types.TableXP: {
		Name:    types.TableXP,
		Columns: []string{"user_id", "total_xp"},
		Key:     []string{"user_id"},
	},
	types.TableWordProgress: {
		Name:    types.TableWordProgress,
		Columns: []string{"user_id", "word_id", "ease_factor", "interval", "repetitions", "next_review", "status", "updated_at"},
		Key:     []string{"user_id", "word_id"},
	},
	types.TableLessonProgress: {
		Name:    types.TableLessonProgress,
		Columns: []string{"user_id", "lesson_id", "score", "xp_earned", "completed_at"},
		Key:     []string{"user_id", "lesson_id"},
	},
	types.TableReviewRatings: {
		Name:    types.TableReviewRatings,
		Columns: []string{"user_id", "word_id", "rating", "reviewed_at"},
		Key:     []string{"user_id", "word_id"},
	},
	types.TableSettings: {
		Name:    types.TableSettings,
		Columns: []string{"user_id", "daily_goal", "reminder_time", "prayer_context", "sound_enabled", "theme", "updated_at"},
		Key:     []string{"user_id"},
	},
}

// LookupSchema returns the schema of table.
func LookupSchema(table string) (TableSchema, error) {
	s, ok := Schemas[table]
	if !ok {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return s, nil
}
