package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Logger is the interface the publisher needs for logging.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Notification identifies a changed device state facet. It carries no
// payload: consumers re-fetch current state, so intermediate states
// collapse naturally.
type Notification struct {
	Application string
	Device      string
	Path        string
	Generation  int64
	Instance    string
}

// Broker publishes change notifications downstream. Publish must not
// return nil before the broker acknowledged receipt.
type Broker interface {
	PublishChange(ctx context.Context, n Notification) error
}

// Sink records sweep telemetry. May be nil.
type Sink interface {
	WriteOutboxSweep(published int)
}

// Options tunes the publisher loop. Zero values take defaults.
type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration

	// Sink receives the published count of each non-empty sweep.
	Sink Sink
}

// Publisher drains the outbox and republishes change notifications.
//
// Run it as a single logical consumer per database: two publishers racing
// on the same rows would only duplicate notifications (harmless under
// at-least-once semantics) but waste broker traffic.
type Publisher struct {
	db       *sql.DB
	broker   Broker
	interval time.Duration
	batch    int
	timeout  time.Duration
	sink     Sink
	logger   Logger
}

// NewPublisher creates a publisher over the given database and broker.
func NewPublisher(db *sql.DB, broker Broker, opts Options, logger Logger) *Publisher {
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	return &Publisher{
		db:       db,
		broker:   broker,
		interval: opts.PollInterval,
		batch:    opts.BatchSize,
		timeout:  opts.PublishTimeout,
		sink:     opts.Sink,
		logger:   logger,
	}
}

// Run sweeps the outbox on the poll interval until the context ends.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Sweep(ctx); err != nil {
			p.logger.Error("outbox sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep publishes one batch of outbox rows in timestamp order and deletes
// each row after the broker acknowledged it, provided its generation has
// not moved in the meantime. Returns how many rows were published and
// removed.
//
// A publish failure retains the row and moves on; the row is retried on
// the next sweep.
func (p *Publisher) Sweep(ctx context.Context) (int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT application, device, path, instance, generation
		FROM outbox
		ORDER BY ts ASC
		LIMIT ?`, p.batch)
	if err != nil {
		return 0, fmt.Errorf("selecting outbox batch: %w", err)
	}

	var batch []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.Application, &n.Device, &n.Path, &n.Instance, &n.Generation); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning outbox row: %w", err)
		}
		batch = append(batch, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterating outbox rows: %w", err)
	}
	rows.Close()

	published := 0
	for _, n := range batch {
		if err := p.publishOne(ctx, n); err != nil {
			if ctx.Err() != nil {
				return published, ctx.Err()
			}
			p.logger.Warn("outbox publish failed, row retained",
				"application", n.Application,
				"device", n.Device,
				"path", n.Path,
				"error", err)
			continue
		}
		published++
	}

	if published > 0 && p.sink != nil {
		p.sink.WriteOutboxSweep(published)
	}
	return published, nil
}

// publishOne publishes a single notification and deletes its row. The
// delete is guarded by the generation read at select time: a row rewritten
// while the publish was in flight stays for the next sweep.
func (p *Publisher) publishOne(ctx context.Context, n Notification) error {
	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.broker.PublishChange(publishCtx, n); err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE application = ? AND device = ? AND path = ? AND generation = ?`,
		n.Application, n.Device, n.Path, n.Generation)
	if err != nil {
		return fmt.Errorf("deleting published outbox row: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		p.logger.Debug("outbox row advanced during publish, retained",
			"application", n.Application,
			"device", n.Device,
			"path", n.Path,
			"generation", n.Generation)
	}
	return nil
}
