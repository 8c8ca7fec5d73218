package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Logger is the interface the router needs for logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Delivery is the document forwarded to the owning instance's inbox.
type Delivery struct {
	Application string `json:"application"`
	Device      string `json:"device"`
	Command     string `json:"command"`
	ContentType string `json:"contentType,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// Options tunes the router. Zero values take defaults.
type Options struct {
	// SessionTTL is the liveness window: a session unpinged for longer is
	// reaped with all its routes.
	SessionTTL time.Duration

	// SweepInterval is how often expired sessions are reaped.
	SweepInterval time.Duration

	// ForwardTimeout bounds one delivery forward.
	ForwardTimeout time.Duration

	// BearerToken, when set, supplies the Authorization bearer token
	// attached to forwarded deliveries. Inbox endpoints refuse unsigned
	// forwards, so production routers always set this.
	BearerToken func() (string, error)
}

// Router tracks live command sessions and forwards commands to the
// instance owning a device's connection.
//
// Thread Safety: all methods are safe for concurrent use.
type Router struct {
	repo    Repository
	client  *http.Client
	ttl     time.Duration
	sweep   time.Duration
	forward time.Duration
	token   func() (string, error)
	logger  Logger

	// now is overridable in tests.
	now func() time.Time
}

// NewRouter creates a router over the given repository.
func NewRouter(repo Repository, opts Options, logger Logger) *Router {
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 5 * time.Second
	}
	return &Router{
		repo:    repo,
		client:  &http.Client{},
		ttl:     opts.SessionTTL,
		sweep:   opts.SweepInterval,
		forward: opts.ForwardTimeout,
		token:   opts.BearerToken,
		logger:  logger,
		now:     time.Now,
	}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// RegisterSession records that this instance owns a device session
// reachable at sessionURL.
func (r *Router) RegisterSession(ctx context.Context, id, sessionURL string) error {
	return r.repo.RegisterSession(ctx, id, sessionURL, r.now())
}

// Ping keeps a session alive. Returns ErrSessionNotFound once the session
// has been reaped; the caller must re-register.
func (r *Router) Ping(ctx context.Context, id string) error {
	return r.repo.Ping(ctx, id, r.now())
}

// AddRoute advertises that the session accepts a command for a device.
func (r *Router) AddRoute(ctx context.Context, app, device, cmd, sessionID string) error {
	return r.repo.AddRoute(ctx, app, device, cmd, sessionID)
}

// RemoveRoute withdraws a command advertisement.
func (r *Router) RemoveRoute(ctx context.Context, app, device, cmd string) error {
	return r.repo.DeleteRoute(ctx, app, device, cmd)
}

// Disconnect removes a session and all its routes, typically on device
// disconnect.
func (r *Router) Disconnect(ctx context.Context, id string) error {
	return r.repo.DeleteSession(ctx, id)
}

// Resolve returns the inbox URL of the instance currently accepting the
// command, or ErrRouteNotFound.
func (r *Router) Resolve(ctx context.Context, app, device, cmd string) (string, error) {
	return r.repo.Resolve(ctx, app, device, cmd)
}

// Deliver resolves the command's owner and forwards the delivery there.
// Best-effort: a refused or failed forward is ErrDeliveryFailed and is
// never retried here.
func (r *Router) Deliver(ctx context.Context, d Delivery) error {
	target, err := r.repo.Resolve(ctx, d.Application, d.Device, d.Command)
	if err != nil {
		return err
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding command delivery: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.forward)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building command forward to %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if r.token != nil {
		tok, err := r.token()
		if err != nil {
			return fmt.Errorf("signing command forward: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: forwarding to %s: %v", ErrDeliveryFailed, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrDeliveryFailed, target, resp.StatusCode)
	}

	r.logger.Debug("command delivered",
		"application", d.Application,
		"device", d.Device,
		"command", d.Command,
		"target", target)
	return nil
}

// Run reaps expired sessions on the sweep interval until the context ends.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()

	for {
		removed, err := r.repo.SweepExpired(ctx, r.now(), r.ttl)
		if err != nil {
			r.logger.Error("session sweep failed", "error", err)
		} else if len(removed) > 0 {
			r.logger.Info("expired command sessions reaped",
				"count", len(removed),
				"ttl", r.ttl)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
