package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/flitsinc/storyforge/internal/state"
)

func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}

// OpenTestStore opens a migrated database and returns a store over it. The
// database is closed when the test finishes.
func OpenTestStore(t *testing.T) *state.Store {
	t.Helper()
	db, closeFn := OpenTestDB(t)
	t.Cleanup(closeFn)
	return state.NewStore(db)
}
