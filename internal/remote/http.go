package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Provider codes translated into kinds.
const (
	CodeNoRows          = "PGRST116"
	CodeUniqueViolation = "23505"
)

// Media types and headers of the row-level API.
const (
	MediaTypeObject = "application/vnd.pgrst.object+json"
	HeaderPrefer    = "Prefer"
	HeaderAPIKey    = "apikey"
)

// APIError is the JSON error body returned by the row-level API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// HTTPClient talks to a PostgREST-style API under {baseURL}/rest/v1.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client. A zero timeout defaults to 30 seconds.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ping checks the backend health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &Error{Kind: Transient, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: Transient, Status: resp.StatusCode, Message: fmt.Sprintf("health check failed: %d", resp.StatusCode)}
	}
	return nil
}

func (c *HTTPClient) SelectOne(ctx context.Context, table string, q Query, out any) error {
	q.Limit = 0
	return c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/" + table,
		query:  encodeQuery(q),
		accept: MediaTypeObject,
	}, out)
}

func (c *HTTPClient) Select(ctx context.Context, table string, q Query, out any) error {
	return c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/" + table,
		query:  encodeQuery(q),
	}, out)
}

func (c *HTTPClient) Insert(ctx context.Context, table string, row any, out any) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/" + table,
		body:   row,
		accept: MediaTypeObject,
		prefer: []string{"return=representation"},
	}, out)
}

func (c *HTTPClient) Update(ctx context.Context, table string, values any, filters ...Filter) error {
	return c.do(ctx, request{
		method: http.MethodPatch,
		path:   "/rest/v1/" + table,
		query:  encodeQuery(Query{Filters: filters}),
		body:   values,
		prefer: []string{"return=minimal"},
	}, nil)
}

func (c *HTTPClient) Upsert(ctx context.Context, table string, rows any, onConflict ...string) error {
	query := url.Values{}
	if len(onConflict) > 0 {
		query.Set("on_conflict", strings.Join(onConflict, ","))
	}
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/" + table,
		query:  query,
		body:   rows,
		prefer: []string{"resolution=merge-duplicates", "return=minimal"},
	}, nil)
}

func (c *HTTPClient) RPC(ctx context.Context, fn string, args any, out any) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/rpc/" + fn,
		body:   args,
	}, out)
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	accept string
	prefer []string
}

func (c *HTTPClient) do(ctx context.Context, r request, out any) error {
	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return &Error{Kind: Transient, Message: "encode request body", Err: err}
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return &Error{Kind: Transient, Err: err}
	}
	req.Header.Set(HeaderAPIKey, c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if len(r.prefer) > 0 {
		req.Header.Set(HeaderPrefer, strings.Join(r.prefer, ","))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: Transient, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return translate(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: Transient, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

// translate maps an error response onto a kind. This is the only place
// provider codes are inspected.
func translate(status int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || (apiErr.Message == "" && apiErr.Code == "") {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}

	e := &Error{Kind: Transient, Status: status, Code: apiErr.Code, Message: apiErr.Message}
	switch apiErr.Code {
	case CodeNoRows:
		e.Kind = NotFound
	case CodeUniqueViolation:
		e.Kind = UniqueViolation
	}
	return e
}

func encodeQuery(q Query) url.Values {
	v := url.Values{}
	for _, f := range q.Filters {
		op := f.Op
		if op == "" {
			op = OpEq
		}
		v.Add(f.Column, string(op)+"."+formatValue(f.Value))
	}
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			dir := "asc"
			if o.Descending {
				dir = "desc"
			}
			parts = append(parts, o.Column+"."+dir)
		}
		v.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
