// Package remote is the boundary to the hosted row-level data API.
//
// Provider error codes are translated once, here, into a closed set of
// kinds: NotFound, UniqueViolation and Transient. Callers match them with
// errors.Is against ErrNotFound, ErrUniqueViolation and ErrTransient.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a remote failure.
type Kind int

const (
	// Transient covers every failure that is neither of the others: network
	// errors, timeouts, server errors, rejected requests.
	Transient Kind = iota
	NotFound
	UniqueViolation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case UniqueViolation:
		return "unique_violation"
	default:
		return "transient"
	}
}

// Sentinels for errors.Is matching.
var (
	ErrNotFound        = errors.New("remote row not found")
	ErrUniqueViolation = errors.New("remote unique constraint violation")
	ErrTransient       = errors.New("remote request failed")
)

// Error is a classified remote failure.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("remote %s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrUniqueViolation:
		return e.Kind == UniqueViolation
	case ErrTransient:
		return e.Kind == Transient
	}
	return false
}

// KindOf returns the kind of err. Errors that did not come from this
// package, including context cancellation, are Transient.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Transient
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Filter restricts a query to rows where Column Op Value holds.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq is shorthand for an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Lte is shorthand for a less-than-or-equal filter.
func Lte(column string, value any) Filter {
	return Filter{Column: column, Op: OpLte, Value: value}
}

// Order sorts query results.
type Order struct {
	Column     string
	Descending bool
}

// Query describes a select.
type Query struct {
	Filters []Filter
	Order   []Order
	Limit   int
}

// Where builds a Query from filters.
func Where(filters ...Filter) Query {
	return Query{Filters: filters}
}

// Client is the row-level remote data API.
//
// Rows are exchanged as JSON-encodable values; out arguments are decoded
// with encoding/json and may be nil when the caller does not need the rows.
type Client interface {
	// SelectOne reads exactly one row. Zero rows yield ErrNotFound.
	SelectOne(ctx context.Context, table string, q Query, out any) error
	Select(ctx context.Context, table string, q Query, out any) error
	// Insert inserts one row and decodes the stored row into out.
	Insert(ctx context.Context, table string, row any, out any) error
	// Update applies values to every row matching filters.
	Update(ctx context.Context, table string, values any, filters ...Filter) error
	// Upsert inserts rows, merging into existing rows that collide on the
	// onConflict columns.
	Upsert(ctx context.Context, table string, rows any, onConflict ...string) error
	// RPC calls a named remote procedure.
	RPC(ctx context.Context, fn string, args any, out any) error
}

// Offline is a Client for devices with remote sync disabled. Every call
// fails with a Transient error so callers take their offline paths.
type Offline struct{}

var errOffline = &Error{Kind: Transient, Message: "remote sync disabled"}

func (Offline) SelectOne(context.Context, string, Query, any) error { return errOffline }

func (Offline) Select(context.Context, string, Query, any) error { return errOffline }

func (Offline) Insert(context.Context, string, any, any) error { return errOffline }

func (Offline) Update(context.Context, string, any, ...Filter) error { return errOffline }

func (Offline) Upsert(context.Context, string, any, ...string) error { return errOffline }

func (Offline) RPC(context.Context, string, any, any) error { return errOffline }
