package db_test

import (
	"path/filepath"
	"testing"

	"github.com/example/smartobject/internal/db"
)

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "objects.db")

	conn, err := db.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Exec("CREATE TABLE t (x)"); err != nil {
		t.Fatalf("failed to use database: %v", err)
	}
}

func TestOpen_Memory(t *testing.T) {
	conn, err := db.Open(db.MemoryPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Exec("CREATE TABLE t (x)"); err != nil {
		t.Fatalf("CREATE failed: %v", err)
	}
	if _, err := conn.Exec("INSERT INTO t VALUES (1)"); err != nil {
		t.Fatalf("INSERT failed: %v", err)
	}
	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
}
