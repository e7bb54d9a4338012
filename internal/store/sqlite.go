package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hyperengineering/lughah/migrations"
)

// SQLiteStore is the SQLite-backed reference backend database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	inMemory := dbPath == ":memory:"
	if !inMemory {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db, inMemory); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := migrations.Apply(db, migrations.BackendDir); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB, inMemory bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	if !inMemory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Select returns the rows of table matching q.
func (s *SQLiteStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	schema, err := LookupSchema(table)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(schema, q.Filters)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", columnList(schema.Columns), quote(schema.Name), where)
	if q.OrderBy != "" {
		if !schema.hasColumn(q.OrderBy) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, q.OrderBy)
		}
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", quote(q.OrderBy), dir)
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows, schema.Columns)
}

// SelectOne returns exactly one row, or ErrNotFound when none matches.
func (s *SQLiteStore) SelectOne(ctx context.Context, table string, q Query) (Row, error) {
	q.Limit = 1
	rows, err := s.Select(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Insert adds row and returns it as stored, defaults included. A key
// collision returns ErrUniqueViolation.
func (s *SQLiteStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	schema, err := LookupSchema(table)
	if err != nil {
		return nil, err
	}
	cols, err := rowColumns(schema, row)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		quote(schema.Name), columnList(cols), placeholders(len(cols)), columnList(schema.Columns))
	rows, err := s.db.QueryContext(ctx, query, rowArgs(cols, row)...)
	if err != nil {
		return nil, translate(table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows, schema.Columns)
	if err != nil {
		return nil, translate(table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("insert %s: no row returned", table)
	}
	return out[0], nil
}

// Upsert inserts rows, updating the non-conflict columns of rows whose
// onConflict columns already exist. An empty onConflict uses the table key.
// All rows are applied in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, table string, rows []Row, onConflict []string) error {
	schema, err := LookupSchema(table)
	if err != nil {
		return err
	}
	if len(onConflict) == 0 {
		onConflict = schema.Key
	}
	for _, col := range onConflict {
		if !schema.hasColumn(col) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, col)
		}
	}
	if !sameColumns(onConflict, schema.Key) {
		return fmt.Errorf("%w: on_conflict must name the key of %s", ErrInvalidFilter, table)
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		cols, err := rowColumns(schema, row)
		if err != nil {
			return err
		}
		updates := make([]string, 0, len(cols))
		for _, col := range cols {
			if !slices.Contains(onConflict, col) {
				updates = append(updates, fmt.Sprintf("%s = excluded.%s", quote(col), quote(col)))
			}
		}
		action := "DO NOTHING"
		if len(updates) > 0 {
			action = "DO UPDATE SET " + strings.Join(updates, ", ")
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) %s",
			quote(schema.Name), columnList(cols), placeholders(len(cols)), columnList(onConflict), action)
		if _, err := tx.ExecContext(ctx, query, rowArgs(cols, row)...); err != nil {
			return translate(table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Update sets values on every row matching filters and returns the number of
// rows changed. At least one filter is required.
func (s *SQLiteStore) Update(ctx context.Context, table string, values Row, filters []Filter) (int64, error) {
	schema, err := LookupSchema(table)
	if err != nil {
		return 0, err
	}
	if len(filters) == 0 {
		return 0, fmt.Errorf("%w: update of %s requires a filter", ErrInvalidFilter, table)
	}
	cols, err := rowColumns(schema, values)
	if err != nil {
		return 0, err
	}
	where, whereArgs, err := whereClause(schema, filters)
	if err != nil {
		return 0, err
	}

	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = quote(col) + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s", quote(schema.Name), strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, append(rowArgs(cols, values), whereArgs...)...)
	if err != nil {
		return 0, translate(table, err)
	}
	return res.RowsAffected()
}

// IncrementUserXP atomically adds delta to the user's total, creating the
// row when missing, and returns the new total.
func (s *SQLiteStore) IncrementUserXP(ctx context.Context, userID string, delta int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_xp (user_id, total_xp) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET total_xp = total_xp + excluded.total_xp
		RETURNING total_xp
	`, userID, delta).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("increment xp: %w", err)
	}
	return total, nil
}

// Stats returns per-table row counts.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Tables: len(Schemas), Rows: make(map[string]int64, len(Schemas))}
	for name := range Schemas {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(name)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		stats.Rows[name] = n
	}
	return stats, nil
}

// translate maps SQLite constraint errors onto the store sentinels.
func translate(table string, err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%s: %w", table, ErrUniqueViolation)
		}
	}
	return fmt.Errorf("write %s: %w", table, err)
}

func whereClause(schema TableSchema, filters []Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	parts := make([]string, len(filters))
	args := make([]any, len(filters))
	for i, f := range filters {
		if !schema.hasColumn(f.Column) {
			return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, schema.Name, f.Column)
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("%w: operator %q", ErrInvalidFilter, f.Op)
		}
		parts[i] = fmt.Sprintf("%s %s ?", quote(f.Column), op)
		args[i] = toSQL(f.Value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// rowColumns returns the columns of row in a stable order, rejecting
// columns the schema does not declare.
func rowColumns(schema TableSchema, row Row) ([]string, error) {
	if len(row) == 0 {
		return nil, ErrEmptyRow
	}
	cols := make([]string, 0, len(row))
	for col := range row {
		if !schema.hasColumn(col) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, schema.Name, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, nil
}

func rowArgs(cols []string, row Row) []any {
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = toSQL(row[col])
	}
	return args
}

// toSQL converts decoded JSON values to SQL parameters.
func toSQL(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case map[string]any, []any:
		b, _ := json.Marshal(val)
		return string(b)
	default:
		return v
	}
}

func scanRows(rows *sql.Rows, cols []string) ([]Row, error) {
	out := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, col := range a {
		if !slices.Contains(b, col) {
			return false
		}
	}
	return true
}

var _ Store = (*SQLiteStore)(nil)

// TableNames returns the exposed table names in sorted order.
func TableNames() []string {
	names := make([]string, 0, len(Schemas))
	for name := range Schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
