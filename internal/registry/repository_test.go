package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the registry tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// A second pool connection would see its own empty :memory: database.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE applications (
			name TEXT PRIMARY KEY,
			uid TEXT NOT NULL UNIQUE,
			publish_rules TEXT NOT NULL DEFAULT '[]',
			generation INTEGER NOT NULL DEFAULT 0,
			resource_version TEXT NOT NULL,
			created_at TEXT NOT NULL,
			deleted_at TEXT,
			finalizers TEXT NOT NULL DEFAULT '[]'
		) STRICT;
		CREATE TABLE devices (
			uid TEXT PRIMARY KEY,
			application TEXT NOT NULL REFERENCES applications(name),
			name TEXT NOT NULL,
			credentials TEXT NOT NULL DEFAULT '[]',
			gateway_selector TEXT NOT NULL DEFAULT '[]',
			connection TEXT NOT NULL DEFAULT '{}',
			generation INTEGER NOT NULL DEFAULT 0,
			resource_version TEXT NOT NULL,
			created_at TEXT NOT NULL,
			deleted_at TEXT,
			finalizers TEXT NOT NULL DEFAULT '[]'
		) STRICT;
		CREATE UNIQUE INDEX idx_devices_app_name
			ON devices(application, name)
			WHERE deleted_at IS NULL;
		CREATE TABLE device_aliases (
			application TEXT NOT NULL,
			type TEXT NOT NULL,
			value TEXT NOT NULL,
			device_uid TEXT NOT NULL REFERENCES devices(uid) ON DELETE CASCADE,
			PRIMARY KEY (application, type, value)
		) STRICT;
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// seedApplication creates an application for device tests.
func seedApplication(t *testing.T, repo *SQLiteRepository, name string) {
	t.Helper()

	err := repo.CreateApplication(context.Background(), &Application{Name: name})
	if err != nil {
		t.Fatalf("CreateApplication(%q) error = %v", name, err)
	}
}

func testDevice(app, name string) *Device {
	return &Device{
		Application: app,
		Name:        name,
		Credentials: json.RawMessage(`[{"pass":"secret"}]`),
	}
}

func TestSQLiteRepository_CreateApplication(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	t.Run("creates application with generated identity", func(t *testing.T) {
		app := &Application{Name: "factory"}
		if err := repo.CreateApplication(ctx, app); err != nil {
			t.Fatalf("CreateApplication() error = %v", err)
		}
		if app.UID == "" {
			t.Error("UID was not generated")
		}
		if app.ResourceVersion == "" {
			t.Error("ResourceVersion was not generated")
		}

		got, err := repo.GetApplication(ctx, "factory")
		if err != nil {
			t.Fatalf("GetApplication() error = %v", err)
		}
		if got.UID != app.UID {
			t.Errorf("UID = %q, want %q", got.UID, app.UID)
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		err := repo.CreateApplication(ctx, &Application{Name: "factory"})
		if !errors.Is(err, ErrApplicationExists) {
			t.Errorf("error = %v, want ErrApplicationExists", err)
		}
	})
}

func TestSQLiteRepository_GetDevice(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	seedApplication(t, repo, "factory")

	device := testDevice("factory", "sensor-1")
	device.GatewaySelector = []string{"gateway-1"}
	if err := repo.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	t.Run("returns device with implicit id alias", func(t *testing.T) {
		got, err := repo.GetDevice(ctx, "factory", "sensor-1")
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.UID != device.UID {
			t.Errorf("UID = %q, want %q", got.UID, device.UID)
		}
		if !got.HasAlias("sensor-1") {
			t.Error("implicit id alias missing")
		}
		if !got.TrustsGateway("gateway-1") {
			t.Error("gateway selector not persisted")
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := repo.GetDevice(ctx, "factory", "missing")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("error = %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("wrong application scope", func(t *testing.T) {
		_, err := repo.GetDevice(ctx, "other", "sensor-1")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestSQLiteRepository_AliasResolution(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	seedApplication(t, repo, "factory")

	device := testDevice("factory", "sensor-2")
	device.Aliases = []Alias{
		{Type: AliasTypeHWAddr, Value: "00:11:22:33"},
		{Type: AliasTypeUsername, Value: "foo"},
	}
	if err := repo.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	t.Run("typed alias", func(t *testing.T) {
		got, err := repo.GetDeviceByAlias(ctx, "factory", AliasTypeHWAddr, "00:11:22:33")
		if err != nil {
			t.Fatalf("GetDeviceByAlias() error = %v", err)
		}
		if got.Name != "sensor-2" {
			t.Errorf("Name = %q, want sensor-2", got.Name)
		}
	})

	t.Run("username alias", func(t *testing.T) {
		got, err := repo.GetDeviceByAlias(ctx, "factory", AliasTypeUsername, "foo")
		if err != nil {
			t.Fatalf("GetDeviceByAlias() error = %v", err)
		}
		if got.Name != "sensor-2" {
			t.Errorf("Name = %q, want sensor-2", got.Name)
		}
	})

	t.Run("any alias type", func(t *testing.T) {
		got, err := repo.GetDeviceByAnyAlias(ctx, "factory", "00:11:22:33")
		if err != nil {
			t.Fatalf("GetDeviceByAnyAlias() error = %v", err)
		}
		if got.Name != "sensor-2" {
			t.Errorf("Name = %q, want sensor-2", got.Name)
		}
	})

	t.Run("alias scoped to application", func(t *testing.T) {
		_, err := repo.GetDeviceByAnyAlias(ctx, "other", "00:11:22:33")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestSQLiteRepository_SoftDeleteAndNameReuse(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	seedApplication(t, repo, "factory")

	original := testDevice("factory", "sensor-3")
	if err := repo.CreateDevice(ctx, original); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	t.Run("finalizers block deletion", func(t *testing.T) {
		blocked := testDevice("factory", "sensor-blocked")
		blocked.Finalizers = []string{"has-commands"}
		if err := repo.CreateDevice(ctx, blocked); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
		err := repo.DeleteDevice(ctx, "factory", "sensor-blocked")
		if !errors.Is(err, ErrFinalizersPresent) {
			t.Errorf("error = %v, want ErrFinalizersPresent", err)
		}
	})

	if err := repo.DeleteDevice(ctx, "factory", "sensor-3"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}

	t.Run("deleted device is invisible", func(t *testing.T) {
		_, err := repo.GetDevice(ctx, "factory", "sensor-3")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("error = %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("name is reusable with a fresh UID", func(t *testing.T) {
		replacement := testDevice("factory", "sensor-3")
		if err := repo.CreateDevice(ctx, replacement); err != nil {
			t.Fatalf("CreateDevice() after delete error = %v", err)
		}
		if replacement.UID == original.UID {
			t.Error("reused name must get a new UID")
		}
	})
}

func TestSQLiteRepository_UpdateConnection(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	seedApplication(t, repo, "factory")

	device := testDevice("factory", "sensor-4")
	if err := repo.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	before, err := repo.GetDevice(ctx, "factory", "sensor-4")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}

	generation, err := repo.UpdateConnection(ctx, tx, "factory", "sensor-4", Connection{
		Connected: true,
		Instance:  "fieldgate-test",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpdateConnection() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if generation != before.Generation+1 {
		t.Errorf("generation = %d, want %d", generation, before.Generation+1)
	}

	after, err := repo.GetDevice(ctx, "factory", "sensor-4")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !after.Connection.Connected {
		t.Error("Connection.Connected = false, want true")
	}
	if after.Connection.Instance != "fieldgate-test" {
		t.Errorf("Connection.Instance = %q, want fieldgate-test", after.Connection.Instance)
	}
	if after.ResourceVersion == before.ResourceVersion {
		t.Error("ResourceVersion did not change on write")
	}

	t.Run("unknown device", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("BeginTx() error = %v", err)
		}
		defer tx.Rollback() //nolint:errcheck // Test cleanup

		_, err = repo.UpdateConnection(ctx, tx, "factory", "missing", Connection{})
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("error = %v, want ErrDeviceNotFound", err)
		}
	})
}
