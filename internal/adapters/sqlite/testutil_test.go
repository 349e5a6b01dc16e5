package sqlite_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/example/smartobject/internal/adapters/sqlite"
	"github.com/example/smartobject/internal/db"
)

// setupTestDB opens an in-memory database closed at test cleanup.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(db.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func setupTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()

	store, err := sqlite.NewStore(context.Background(), setupTestDB(t), "users", opts...)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}
