// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/types"
)

// Operation names recorded in Call.Op.
const (
	OpSelectOne = "select_one"
	OpSelect    = "select"
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpUpsert    = "upsert"
	OpRPC       = "rpc"
)

// ErrNetwork is a ready-made transient failure.
var ErrNetwork = &remote.Error{Kind: remote.Transient, Message: "network unreachable"}

// Call records one request made against the fake.
type Call struct {
	Op         string
	Table      string
	Body       map[string]any
	Filters    []remote.Filter
	OnConflict []string
}

// Fake is a table-backed remote.Client with failure injection.
type Fake struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	keys     map[string][]string
	calls    []Call
	failures map[string][]error
	failAll  error
}

// New returns an empty fake with the primary keys of the lughah tables.
func New() *Fake {
	return &Fake{
		tables: make(map[string][]map[string]any),
		keys: map[string][]string{
			types.TableStreaks:        {"user_id"},
			types.TableXP:             {"user_id"},
			types.TableSettings:       {"user_id"},
			types.TableWordProgress:   {"user_id", "word_id"},
			types.TableLessonProgress: {"user_id", "lesson_id"},
			types.TableReviewRatings:  {"user_id", "word_id"},
		},
		failures: make(map[string][]error),
	}
}

// FailNext makes the next op against table (or RPC name) return err.
// Calls queue up: FailNext twice fails the next two calls.
func (f *Fake) FailNext(op, table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := op + ":" + table
	f.failures[k] = append(f.failures[k], err)
}

// SetFailAll makes every call fail with err until reset with nil.
func (f *Fake) SetFailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

// Seed stores row in table without recording a call.
func (f *Fake) Seed(table string, row any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = append(f.tables[table], toMap(row))
}

// Rows returns a copy of the rows stored in table.
func (f *Fake) Rows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.tables[table]))
	for _, r := range f.tables[table] {
		out = append(out, clone(r))
	}
	return out
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount counts calls matching op and table. An empty table matches all.
func (f *Fake) CallCount(op, table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op && (table == "" || c.Table == table) {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) begin(c Call) error {
	f.calls = append(f.calls, c)
	if f.failAll != nil {
		return f.failAll
	}
	k := c.Op + ":" + c.Table
	if q := f.failures[k]; len(q) > 0 {
		f.failures[k] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) SelectOne(ctx context.Context, table string, q remote.Query, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(Call{Op: OpSelectOne, Table: table, Filters: q.Filters}); err != nil {
		return err
	}
	rows := f.match(table, q.Filters)
	if len(rows) == 0 {
		return &remote.Error{Kind: remote.NotFound, Status: 406, Code: remote.CodeNoRows, Message: "no rows returned"}
	}
	return decode(rows[0], out)
}

func (f *Fake) Select(ctx context.Context, table string, q remote.Query, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(Call{Op: OpSelect, Table: table, Filters: q.Filters}); err != nil {
		return err
	}
	rows := f.match(table, q.Filters)
	for i := len(q.Order) - 1; i >= 0; i-- {
		o := q.Order[i]
		sort.SliceStable(rows, func(a, b int) bool {
			c := compare(rows[a][o.Column], rows[b][o.Column])
			if o.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return decode(rows, out)
}

func (f *Fake) Insert(ctx context.Context, table string, row any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := toMap(row)
	if err := f.begin(Call{Op: OpInsert, Table: table, Body: m}); err != nil {
		return err
	}
	if f.find(table, m, f.keys[table]) >= 0 {
		return &remote.Error{Kind: remote.UniqueViolation, Status: 409, Code: remote.CodeUniqueViolation, Message: "duplicate key value violates unique constraint"}
	}
	f.tables[table] = append(f.tables[table], m)
	return decode(m, out)
}

func (f *Fake) Update(ctx context.Context, table string, values any, filters ...remote.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := toMap(values)
	if err := f.begin(Call{Op: OpUpdate, Table: table, Body: m, Filters: filters}); err != nil {
		return err
	}
	for _, r := range f.tables[table] {
		if matches(r, filters) {
			for k, v := range m {
				r[k] = v
			}
		}
	}
	return nil
}

func (f *Fake) Upsert(ctx context.Context, table string, rows any, onConflict ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := toMaps(rows)
	var body map[string]any
	if len(list) == 1 {
		body = list[0]
	}
	if err := f.begin(Call{Op: OpUpsert, Table: table, Body: body, OnConflict: onConflict}); err != nil {
		return err
	}
	keys := onConflict
	if len(keys) == 0 {
		keys = f.keys[table]
	}
	for _, m := range list {
		if i := f.find(table, m, keys); i >= 0 {
			for k, v := range m {
				f.tables[table][i][k] = v
			}
			continue
		}
		f.tables[table] = append(f.tables[table], m)
	}
	return nil
}

func (f *Fake) RPC(ctx context.Context, fn string, args any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := toMap(args)
	if err := f.begin(Call{Op: OpRPC, Table: fn, Body: m}); err != nil {
		return err
	}
	if fn != types.ProcIncrementXP {
		return &remote.Error{Kind: remote.Transient, Status: 404, Code: "PGRST202", Message: "unknown function " + fn}
	}

	delta, _ := m["delta"].(float64)
	row := map[string]any{"user_id": m["user_id"], "total_xp": float64(0)}
	i := f.find(types.TableXP, row, []string{"user_id"})
	if i < 0 {
		f.tables[types.TableXP] = append(f.tables[types.TableXP], row)
		i = len(f.tables[types.TableXP]) - 1
	}
	total, _ := f.tables[types.TableXP][i]["total_xp"].(float64)
	total += delta
	f.tables[types.TableXP][i]["total_xp"] = total
	return decode(total, out)
}

func (f *Fake) match(table string, filters []remote.Filter) []map[string]any {
	var out []map[string]any
	for _, r := range f.tables[table] {
		if matches(r, filters) {
			out = append(out, clone(r))
		}
	}
	return out
}

func (f *Fake) find(table string, row map[string]any, keys []string) int {
	if len(keys) == 0 {
		return -1
	}
	filters := make([]remote.Filter, 0, len(keys))
	for _, k := range keys {
		filters = append(filters, remote.Eq(k, row[k]))
	}
	for i, r := range f.tables[table] {
		if matches(r, filters) {
			return i
		}
	}
	return -1
}

func matches(row map[string]any, filters []remote.Filter) bool {
	for _, flt := range filters {
		c := compare(row[flt.Column], normalize(flt.Value))
		var ok bool
		switch flt.Op {
		case remote.OpNeq:
			ok = c != 0
		case remote.OpGt:
			ok = c > 0
		case remote.OpGte:
			ok = c >= 0
		case remote.OpLt:
			ok = c < 0
		case remote.OpLte:
			ok = c <= 0
		default:
			ok = c == 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// compare orders two JSON-decoded values: numbers numerically, everything
// else by its JSON text.
func compare(a, b any) int {
	if x, ok := a.(float64); ok {
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func normalize(v any) any {
	var out any
	data, _ := json.Marshal(v)
	_ = json.Unmarshal(data, &out)
	return out
}

func toMap(v any) map[string]any {
	m := map[string]any{}
	data, _ := json.Marshal(v)
	_ = json.Unmarshal(data, &m)
	return m
}

func toMaps(v any) []map[string]any {
	data, _ := json.Marshal(v)
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		var list []map[string]any
		_ = json.Unmarshal(data, &list)
		return list
	}
	return []map[string]any{toMap(v)}
}

func clone(r map[string]any) map[string]any {
	c := make(map[string]any, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

func decode(v any, out any) error {
	if out == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

var _ remote.Client = (*Fake)(nil)
