package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hyperengineering/lughah/internal/store"
)

// reservedParams are query parameters that are not column filters.
var reservedParams = map[string]bool{
	"select":      true,
	"order":       true,
	"limit":       true,
	"on_conflict": true,
	"columns":     true,
}

// parseQuery reads "column=op.value" filters plus order and limit.
func parseQuery(values url.Values) (store.Query, error) {
	var q store.Query
	for col, vals := range values {
		if reservedParams[col] {
			continue
		}
		for _, raw := range vals {
			op, value, ok := strings.Cut(raw, ".")
			if !ok {
				return store.Query{}, fmt.Errorf("%w: %s=%s", store.ErrInvalidFilter, col, raw)
			}
			q.Filters = append(q.Filters, store.Filter{Column: col, Op: store.Op(op), Value: value})
		}
	}

	if order := values.Get("order"); order != "" {
		first, _, _ := strings.Cut(order, ",")
		col, dir, _ := strings.Cut(first, ".")
		switch dir {
		case "", "asc":
		case "desc":
			q.Descending = true
		default:
			return store.Query{}, fmt.Errorf("%w: order direction %q", store.ErrInvalidFilter, dir)
		}
		q.OrderBy = col
	}

	if limit := values.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return store.Query{}, fmt.Errorf("%w: limit %q", store.ErrInvalidFilter, limit)
		}
		q.Limit = n
	}
	return q, nil
}
