// Package migrations embeds the goose SQL migrations for the local key-value
// database and the reference backend database.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

// Migration directories inside FS.
const (
	LocalDir   = "local"
	BackendDir = "backend"
)

// FS holds every migration file.
//
//go:embed local/*.sql backend/*.sql
var FS embed.FS

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

// Apply runs all pending migrations from dir against db.
func Apply(db *sql.DB, dir string) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run %s migrations: %w", dir, err)
	}
	return nil
}
