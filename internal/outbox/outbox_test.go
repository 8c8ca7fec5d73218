package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the outbox table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// A second pool connection would see its own empty :memory: database.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE outbox (
			application TEXT NOT NULL,
			device TEXT NOT NULL,
			path TEXT NOT NULL,
			instance TEXT NOT NULL,
			generation INTEGER NOT NULL,
			ts TEXT NOT NULL,
			PRIMARY KEY (application, device, path)
		) STRICT;
		CREATE INDEX idx_outbox_ts ON outbox(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// record runs a Writer.Record call in its own committed transaction.
func record(t *testing.T, db *sql.DB, w *Writer, app, device, path string, generation int64) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.Record(context.Background(), tx, app, device, path, generation); err != nil {
		tx.Rollback() //nolint:errcheck
		t.Fatalf("Record() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// readRow returns (generation, found) for a key.
func readRow(t *testing.T, db *sql.DB, app, device, path string) (int64, bool) {
	t.Helper()

	var generation int64
	err := db.QueryRow(
		`SELECT generation FROM outbox WHERE application = ? AND device = ? AND path = ?`,
		app, device, path).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false
	}
	if err != nil {
		t.Fatalf("reading outbox row: %v", err)
	}
	return generation, true
}

// fakeBroker records published notifications and can be scripted to fail.
type fakeBroker struct {
	mu        sync.Mutex
	published []Notification
	failNext  bool
	onPublish func()
}

func (b *fakeBroker) PublishChange(ctx context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onPublish != nil {
		b.onPublish()
	}
	if b.failNext {
		b.failNext = false
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, n)
	return nil
}

func (b *fakeBroker) notifications() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.published...)
}

func TestWriter_Record_Monotonic(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter("node-1")

	t.Run("stale generation is absorbed", func(t *testing.T) {
		record(t, db, w, "app", "dev", "state", 5)
		record(t, db, w, "app", "dev", "state", 3)

		generation, found := readRow(t, db, "app", "dev", "state")
		if !found || generation != 5 {
			t.Errorf("generation = %d (found=%v), want 5", generation, found)
		}
	})

	t.Run("newer generation advances", func(t *testing.T) {
		record(t, db, w, "app", "dev", "state", 7)

		generation, _ := readRow(t, db, "app", "dev", "state")
		if generation != 7 {
			t.Errorf("generation = %d, want 7", generation)
		}
	})

	t.Run("equal generation is absorbed", func(t *testing.T) {
		record(t, db, w, "app", "dev", "state", 7)

		generation, _ := readRow(t, db, "app", "dev", "state")
		if generation != 7 {
			t.Errorf("generation = %d, want 7", generation)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		record(t, db, w, "app", "dev", "connection", 1)

		generation, found := readRow(t, db, "app", "dev", "connection")
		if !found || generation != 1 {
			t.Errorf("connection generation = %d (found=%v), want 1", generation, found)
		}
	})
}

func TestWriter_Record_RollbackLeavesNothing(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter("node-1")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.Record(context.Background(), tx, "app", "dev", "state", 1); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, found := readRow(t, db, "app", "dev", "state"); found {
		t.Error("rolled-back record still visible")
	}
}

// recordingSink captures sweep telemetry.
type recordingSink struct {
	sweeps []int
}

func (s *recordingSink) WriteOutboxSweep(published int) {
	s.sweeps = append(s.sweeps, published)
}

func TestPublisher_Sweep_Debounce(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter("node-1")
	broker := &fakeBroker{}
	sink := &recordingSink{}
	p := NewPublisher(db, broker, Options{Sink: sink}, nil)

	// Three rapid writes to the same key before any sweep.
	record(t, db, w, "app", "dev", "state", 1)
	record(t, db, w, "app", "dev", "state", 2)
	record(t, db, w, "app", "dev", "state", 3)

	published, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if published != 1 {
		t.Errorf("published = %d, want 1", published)
	}

	got := broker.notifications()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want exactly 1", len(got))
	}
	if got[0].Generation != 3 {
		t.Errorf("Generation = %d, want latest (3)", got[0].Generation)
	}
	if got[0].Instance != "node-1" {
		t.Errorf("Instance = %q, want node-1", got[0].Instance)
	}

	if _, found := readRow(t, db, "app", "dev", "state"); found {
		t.Error("acknowledged row not deleted")
	}

	if len(sink.sweeps) != 1 || sink.sweeps[0] != 1 {
		t.Errorf("sink sweeps = %v, want [1]", sink.sweeps)
	}
}

func TestPublisher_Sweep_FailureRetainsRow(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter("node-1")
	broker := &fakeBroker{failNext: true}
	p := NewPublisher(db, broker, Options{}, nil)

	record(t, db, w, "app", "dev", "state", 1)

	published, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if published != 0 {
		t.Errorf("published = %d, want 0", published)
	}
	if _, found := readRow(t, db, "app", "dev", "state"); !found {
		t.Fatal("row deleted despite publish failure")
	}

	// Next sweep retries the same row.
	published, err = p.Sweep(context.Background())
	if err != nil || published != 1 {
		t.Fatalf("retry sweep = %d, %v, want 1, nil", published, err)
	}
	if _, found := readRow(t, db, "app", "dev", "state"); found {
		t.Error("row not deleted after successful retry")
	}
}

func TestPublisher_Sweep_GenerationGuard(t *testing.T) {
	db := setupTestDB(t)
	w := NewWriter("node-1")

	// The row advances while the broker call is in flight: the delete must
	// not remove the newer row.
	broker := &fakeBroker{}
	broker.onPublish = func() {
		tx, err := db.Begin()
		if err != nil {
			t.Errorf("begin during publish: %v", err)
			return
		}
		if err := w.Record(context.Background(), tx, "app", "dev", "state", 6); err != nil {
			t.Errorf("concurrent Record() error = %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Errorf("commit during publish: %v", err)
		}
		broker.onPublish = nil
	}

	p := NewPublisher(db, broker, Options{}, nil)
	record(t, db, w, "app", "dev", "state", 5)

	if _, err := p.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	generation, found := readRow(t, db, "app", "dev", "state")
	if !found || generation != 6 {
		t.Fatalf("generation = %d (found=%v), want retained 6", generation, found)
	}

	// The next sweep delivers the newer generation.
	if _, err := p.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	got := broker.notifications()
	if len(got) != 2 || got[1].Generation != 6 {
		t.Fatalf("notifications = %+v, want second carrying generation 6", got)
	}
	if _, found := readRow(t, db, "app", "dev", "state"); found {
		t.Error("row not deleted after delivering latest generation")
	}
}

func TestPublisher_Sweep_TimestampOrder(t *testing.T) {
	db := setupTestDB(t)
	broker := &fakeBroker{}
	p := NewPublisher(db, broker, Options{}, nil)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	older := NewWriter("node-1")
	older.now = func() time.Time { return base }
	newer := NewWriter("node-1")
	newer.now = func() time.Time { return base.Add(time.Second) }

	// Insert the newer key first to prove ordering comes from ts, not
	// insertion order.
	record(t, db, newer, "app", "dev-b", "state", 1)
	record(t, db, older, "app", "dev-a", "state", 1)

	if _, err := p.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got := broker.notifications()
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(got))
	}
	if got[0].Device != "dev-a" || got[1].Device != "dev-b" {
		t.Errorf("order = %s, %s, want dev-a then dev-b", got[0].Device, got[1].Device)
	}
}

func TestPublisher_Run_StopsOnContext(t *testing.T) {
	db := setupTestDB(t)
	p := NewPublisher(db, &fakeBroker{}, Options{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
