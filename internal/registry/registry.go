package registry

import (
	"context"
	"sync"
	"time"
)

// Logger is the minimal logging interface the registry needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Registry provides cached read access to identity records.
//
// Every inbound message triggers at least one device lookup, so records are
// served from a short-TTL in-process cache. Staleness is bounded by the TTL:
// a stale allow window is acceptable (the management plane's writes converge
// within TTL) and a stale deny simply causes the device to retry.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	repo Repository
	ttl  time.Duration

	mu      sync.RWMutex
	devices map[string]deviceEntry
	apps    map[string]appEntry

	logger Logger

	// now is overridable for expiry tests.
	now func() time.Time
}

type deviceEntry struct {
	device  *Device
	expires time.Time
}

type appEntry struct {
	app     *Application
	expires time.Time
}

// NewRegistry creates a registry over the given repository.
// A ttl of zero disables caching entirely.
func NewRegistry(repo Repository, ttl time.Duration) *Registry {
	return &Registry{
		repo:    repo,
		ttl:     ttl,
		devices: make(map[string]deviceEntry),
		apps:    make(map[string]appEntry),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger attaches a logger. Safe to call before first use only.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// GetApplication returns the application record, cached.
func (r *Registry) GetApplication(ctx context.Context, name string) (*Application, error) {
	if r.ttl > 0 {
		r.mu.RLock()
		entry, ok := r.apps[name]
		r.mu.RUnlock()
		if ok && r.now().Before(entry.expires) {
			return entry.app, nil
		}
	}

	app, err := r.repo.GetApplication(ctx, name)
	if err != nil {
		return nil, err
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.apps[name] = appEntry{app: app, expires: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return app, nil
}

// LookupDevice resolves a protocol-supplied hint to a device record.
// The hint is tried as a device name first, then through the alias table
// under any alias type.
func (r *Registry) LookupDevice(ctx context.Context, app, hint string) (*Device, error) {
	return r.cached(ctx, app, "hint:"+hint, func(ctx context.Context) (*Device, error) {
		device, err := r.repo.GetDevice(ctx, app, hint)
		if err == nil {
			return device, nil
		}
		return r.repo.GetDeviceByAnyAlias(ctx, app, hint)
	})
}

// LookupDeviceByAlias resolves a typed alias to a device record.
func (r *Registry) LookupDeviceByAlias(ctx context.Context, app, aliasType, value string) (*Device, error) {
	return r.cached(ctx, app, aliasType+":"+value, func(ctx context.Context) (*Device, error) {
		return r.repo.GetDeviceByAlias(ctx, app, aliasType, value)
	})
}

// LookupDeviceByUsername resolves a unique-flagged credential username to a
// device record without any other device hint.
func (r *Registry) LookupDeviceByUsername(ctx context.Context, app, username string) (*Device, error) {
	return r.LookupDeviceByAlias(ctx, app, AliasTypeUsername, username)
}

// Invalidate evicts all cached entries for the given application.
// Best-effort only: correctness never depends on it, since the TTL bounds
// staleness anyway.
func (r *Registry) Invalidate(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.apps, app)
	prefix := app + "\x00"
	for key := range r.devices {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.devices, key)
		}
	}
}

// cached runs fetch through the device cache under the given lookup key.
func (r *Registry) cached(ctx context.Context, app, key string, fetch func(context.Context) (*Device, error)) (*Device, error) {
	cacheKey := app + "\x00" + key

	if r.ttl > 0 {
		r.mu.RLock()
		entry, ok := r.devices[cacheKey]
		r.mu.RUnlock()
		if ok && r.now().Before(entry.expires) {
			return entry.device, nil
		}
	}

	device, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.devices[cacheKey] = deviceEntry{device: device, expires: r.now().Add(r.ttl)}
		r.mu.Unlock()
		r.logger.Debug("device record cached",
			"application", app,
			"key", key,
			"ttl", r.ttl,
		)
	}
	return device, nil
}
