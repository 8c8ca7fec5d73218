package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

// countingRepository wraps a Repository and counts fetches, so cache tests
// can observe whether a lookup hit the store.
type countingRepository struct {
	Repository
	deviceFetches int
}

func (c *countingRepository) GetDevice(ctx context.Context, app, name string) (*Device, error) {
	c.deviceFetches++
	return c.Repository.GetDevice(ctx, app, name)
}

func (c *countingRepository) GetDeviceByAnyAlias(ctx context.Context, app, value string) (*Device, error) {
	return c.Repository.GetDeviceByAnyAlias(ctx, app, value)
}

// newTestRegistry builds a registry over an in-memory store with one device.
func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *countingRepository, *sql.DB) {
	t.Helper()

	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	seedApplication(t, repo, "factory")

	device := testDevice("factory", "sensor-1")
	device.Aliases = []Alias{{Type: AliasTypeUsername, Value: "foo"}}
	if err := repo.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	counting := &countingRepository{Repository: repo}
	return NewRegistry(counting, ttl), counting, db
}

func TestRegistry_LookupDevice_CacheHit(t *testing.T) {
	reg, counting, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := reg.LookupDevice(ctx, "factory", "sensor-1")
		if err != nil {
			t.Fatalf("LookupDevice() error = %v", err)
		}
		if got.Name != "sensor-1" {
			t.Errorf("Name = %q, want sensor-1", got.Name)
		}
	}

	if counting.deviceFetches != 1 {
		t.Errorf("store fetches = %d, want 1 (cache should serve repeats)", counting.deviceFetches)
	}
}

func TestRegistry_LookupDevice_TTLExpiry(t *testing.T) {
	reg, counting, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	current := time.Now()
	reg.now = func() time.Time { return current }

	if _, err := reg.LookupDevice(ctx, "factory", "sensor-1"); err != nil {
		t.Fatalf("LookupDevice() error = %v", err)
	}

	// Advance past the TTL; the next lookup must refetch.
	current = current.Add(2 * time.Minute)
	if _, err := reg.LookupDevice(ctx, "factory", "sensor-1"); err != nil {
		t.Fatalf("LookupDevice() error = %v", err)
	}

	if counting.deviceFetches != 2 {
		t.Errorf("store fetches = %d, want 2 (TTL expired)", counting.deviceFetches)
	}
}

func TestRegistry_LookupDevice_ZeroTTLDisablesCache(t *testing.T) {
	reg, counting, _ := newTestRegistry(t, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := reg.LookupDevice(ctx, "factory", "sensor-1"); err != nil {
			t.Fatalf("LookupDevice() error = %v", err)
		}
	}

	if counting.deviceFetches != 2 {
		t.Errorf("store fetches = %d, want 2 (caching disabled)", counting.deviceFetches)
	}
}

func TestRegistry_LookupDevice_FallsBackToAlias(t *testing.T) {
	reg, _, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	got, err := reg.LookupDevice(ctx, "factory", "foo")
	if err != nil {
		t.Fatalf("LookupDevice() error = %v", err)
	}
	if got.Name != "sensor-1" {
		t.Errorf("Name = %q, want sensor-1 (resolved via alias)", got.Name)
	}
}

func TestRegistry_LookupDeviceByUsername(t *testing.T) {
	reg, _, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	got, err := reg.LookupDeviceByUsername(ctx, "factory", "foo")
	if err != nil {
		t.Fatalf("LookupDeviceByUsername() error = %v", err)
	}
	if got.Name != "sensor-1" {
		t.Errorf("Name = %q, want sensor-1", got.Name)
	}
}

func TestRegistry_Invalidate(t *testing.T) {
	reg, counting, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if _, err := reg.LookupDevice(ctx, "factory", "sensor-1"); err != nil {
		t.Fatalf("LookupDevice() error = %v", err)
	}

	reg.Invalidate("factory")

	if _, err := reg.LookupDevice(ctx, "factory", "sensor-1"); err != nil {
		t.Fatalf("LookupDevice() error = %v", err)
	}

	if counting.deviceFetches != 2 {
		t.Errorf("store fetches = %d, want 2 (cache invalidated)", counting.deviceFetches)
	}
}
