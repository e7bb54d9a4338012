package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/store"
	"github.com/hyperengineering/lughah/internal/types"
	"github.com/hyperengineering/lughah/internal/validation"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	apiKey  string
	version string
}

// NewHandler creates a new Handler with store.Store interface
func NewHandler(s store.Store, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Tables:  stats.Tables,
	})
}

// SelectRows handles GET /rest/v1/{table}. With the single-object media
// type exactly one row must match.
func (h *Handler) SelectRows(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	if !wantsObject(r) {
		rows, err := h.store.Select(r.Context(), table, q)
		if err != nil {
			MapStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	q.Limit = 2
	rows, err := h.store.Select(r.Context(), table, q)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if len(rows) != 1 {
		MapStoreError(w, r, store.ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", remote.MediaTypeObject)
	writeJSON(w, http.StatusOK, rows[0])
}

// InsertRows handles POST /rest/v1/{table}. With
// "Prefer: resolution=merge-duplicates" the rows are upserted on the
// on_conflict columns; otherwise each row is inserted and a key collision
// fails the request.
func (h *Handler) InsertRows(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	rows, err := decodeRows(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidBody, err.Error())
		return
	}
	prefer := parsePrefer(r)

	if prefer["resolution"] == "merge-duplicates" {
		var onConflict []string
		if v := r.URL.Query().Get("on_conflict"); v != "" {
			onConflict = strings.Split(v, ",")
		}
		if err := h.store.Upsert(r.Context(), table, rows, onConflict); err != nil {
			MapStoreError(w, r, err)
			return
		}
		slog.Debug("rows upserted", "component", "api", "action", "upsert", "table", table, "count", len(rows))
		w.WriteHeader(http.StatusCreated)
		return
	}

	created := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		out, err := h.store.Insert(r.Context(), table, row)
		if err != nil {
			MapStoreError(w, r, err)
			return
		}
		created = append(created, out)
	}
	slog.Debug("rows inserted", "component", "api", "action", "insert", "table", table, "count", len(created))

	if prefer["return"] != "representation" {
		w.WriteHeader(http.StatusCreated)
		return
	}
	if wantsObject(r) {
		if len(created) != 1 {
			MapStoreError(w, r, store.ErrNotFound)
			return
		}
		w.Header().Set("Content-Type", remote.MediaTypeObject)
		writeJSON(w, http.StatusCreated, created[0])
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRows handles PATCH /rest/v1/{table}.
func (h *Handler) UpdateRows(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	rows, err := decodeRows(r)
	if err != nil || len(rows) != 1 {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidBody, "PATCH body must be a single JSON object")
		return
	}

	n, err := h.store.Update(r.Context(), table, rows[0], q.Filters)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Debug("rows updated", "component", "api", "action", "update", "table", table, "count", n)
	w.WriteHeader(http.StatusNoContent)
}

// incrementXPArgs is the body of the increment_user_xp procedure.
type incrementXPArgs struct {
	UserID string      `json:"user_id"`
	Delta  json.Number `json:"delta"`
}

// CallRPC handles POST /rest/v1/rpc/{fn}.
func (h *Handler) CallRPC(w http.ResponseWriter, r *http.Request) {
	fn := chi.URLParam(r, "fn")
	if fn != types.ProcIncrementXP {
		WriteError(w, r, http.StatusNotFound, "PGRST202", fmt.Sprintf("Could not find the function %s", fn))
		return
	}

	var args incrementXPArgs
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidBody, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	var v validation.Collector
	v.Add(validation.ValidateIdentifier("user_id", args.UserID))
	delta, err := args.Delta.Float64()
	if err != nil {
		v.Add(&validation.ValidationError{Field: "delta", Message: "must be a number"})
	} else {
		v.Add(validation.ValidateXPDelta("delta", delta))
	}
	if err := v.Err(); err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeInvalidBody, err.Error())
		return
	}

	total, err := h.store.IncrementUserXP(r.Context(), args.UserID, int64(delta))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("xp incremented",
		"component", "api",
		"action", "increment_xp",
		"user_id", args.UserID,
		"delta", int64(delta),
		"total", total,
	)
	writeJSON(w, http.StatusOK, total)
}

// decodeRows reads a JSON object or array of objects. Numbers are kept as
// json.Number so integers reach SQL exactly.
func decodeRows(r *http.Request) ([]store.Row, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if data[0] == '[' {
		var rows []store.Row
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return rows, nil
	}
	var row store.Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return []store.Row{row}, nil
}

func wantsObject(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), remote.MediaTypeObject)
}

// parsePrefer splits "Prefer: a=b,c=d" into a map.
func parsePrefer(r *http.Request) map[string]string {
	out := make(map[string]string)
	for _, header := range r.Header.Values(remote.HeaderPrefer) {
		for _, part := range strings.Split(header, ",") {
			k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
			if k != "" {
				out[k] = v
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
