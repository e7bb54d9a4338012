package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/lughah/internal/remote"
	"github.com/hyperengineering/lughah/internal/store"
)

func TestMapStoreError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, http.StatusNotAcceptable, CodeNoRows},
		{fmt.Errorf("insert: %w", store.ErrUniqueViolation), http.StatusConflict, CodeUniqueViolation},
		{store.ErrUnknownTable, http.StatusNotFound, CodeUndefinedTable},
		{store.ErrUnknownColumn, http.StatusBadRequest, CodeUndefinedColumn},
		{store.ErrInvalidFilter, http.StatusBadRequest, CodeBadFilter},
		{store.ErrEmptyRow, http.StatusBadRequest, CodeInvalidBody},
		{errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			MapStoreError(w, httptest.NewRequest(http.MethodGet, "/rest/v1/user_xp", nil), tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			var body remote.APIError
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if tt.status == http.StatusInternalServerError && body.Message == "disk on fire" {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}
