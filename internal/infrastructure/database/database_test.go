package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// openTestDB opens a temporary file-backed database.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

func TestOpen(t *testing.T) {
	t.Run("creates the file and its directory", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "dir", "fieldgate.db")

		db, err := Open(Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if _, err := os.Stat(dbPath); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	t.Run("enforces foreign keys", func(t *testing.T) {
		db := openTestDB(t)
		defer db.Close() //nolint:errcheck // Test cleanup

		var enabled int
		if err := db.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&enabled); err != nil {
			t.Fatalf("PRAGMA foreign_keys error = %v", err)
		}
		if enabled != 1 {
			t.Error("foreign keys are off; reaped sessions would leave dangling routes")
		}
	})
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should fail on a closed database")
	}
}

func TestClose_NilDB(t *testing.T) {
	db := &DB{}
	if err := db.Close(); err != nil {
		t.Errorf("Close() on zero DB error = %v", err)
	}
}

func TestWithTx(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		CREATE TABLE device_state (
			device TEXT PRIMARY KEY,
			state TEXT NOT NULL
		) STRICT`)
	if err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}

	countState := func(t *testing.T, state string) int {
		t.Helper()
		var count int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM device_state WHERE state = ?", state).Scan(&count); err != nil {
			t.Fatalf("SELECT error = %v", err)
		}
		return count
	}

	t.Run("commits on nil error", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx,
				"INSERT INTO device_state (device, state) VALUES (?, ?)", "sensor-1", "kept")
			return execErr
		})
		if err != nil {
			t.Fatalf("WithTx() error = %v", err)
		}
		if got := countState(t, "kept"); got != 1 {
			t.Errorf("committed rows = %d, want 1", got)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		wantErr := errors.New("boom")
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, execErr := tx.ExecContext(ctx,
				"INSERT INTO device_state (device, state) VALUES (?, ?)", "sensor-2", "discarded"); execErr != nil {
				return execErr
			}
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("WithTx() error = %v, want %v", err, wantErr)
		}
		if got := countState(t, "discarded"); got != 0 {
			t.Errorf("rolled-back rows = %d, want 0", got)
		}
	})

	t.Run("rolls back when fn writes conflict", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx,
				"INSERT INTO device_state (device, state) VALUES (?, ?)", "sensor-1", "duplicate")
			return execErr
		})
		if err == nil {
			t.Fatal("WithTx() should surface the primary-key conflict")
		}
		if got := countState(t, "duplicate"); got != 0 {
			t.Errorf("conflicting rows = %d, want 0", got)
		}
	})
}
