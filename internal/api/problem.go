package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/store"
)

// Error codes written in the "code" field of error bodies. The first two are
// the codes clients translate into remote.NotFound and remote.UniqueViolation.
const (
	CodeNoRows          = remote.CodeNoRows
	CodeUniqueViolation = remote.CodeUniqueViolation
	CodeUndefinedTable  = "42P01"
	CodeUndefinedColumn = "42703"
	CodeBadFilter       = "PGRST100"
	CodeInvalidBody     = "PGRST102"
	CodeUnauthorized    = "PGRST301"
	CodeRateLimited     = "PGRST429"
	CodeInternal        = "XX000"
)

// WriteError writes a row-level API error body.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := remote.APIError{
		Code:    code,
		Message: message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode error response",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
	}
}

// MapStoreError converts store errors to error responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, r, http.StatusNotAcceptable, CodeNoRows, "JSON object requested, multiple (or no) rows returned")
	case errors.Is(err, store.ErrUniqueViolation):
		WriteError(w, r, http.StatusConflict, CodeUniqueViolation, err.Error())
	case errors.Is(err, store.ErrUnknownTable):
		WriteError(w, r, http.StatusNotFound, CodeUndefinedTable, err.Error())
	case errors.Is(err, store.ErrUnknownColumn):
		WriteError(w, r, http.StatusBadRequest, CodeUndefinedColumn, err.Error())
	case errors.Is(err, store.ErrInvalidFilter):
		WriteError(w, r, http.StatusBadRequest, CodeBadFilter, err.Error())
	case errors.Is(err, store.ErrEmptyRow):
		WriteError(w, r, http.StatusBadRequest, CodeInvalidBody, err.Error())
	default:
		slog.Error("store operation failed",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		// Never expose internal error details to client
		WriteError(w, r, http.StatusInternalServerError, CodeInternal, "Internal Server Error")
	}
}
