package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// tsLayout is a fixed-width RFC3339 variant so last-ping timestamps
// compare chronologically as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository defines the interface for session and route persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// RegisterSession creates or replaces a session record.
	RegisterSession(ctx context.Context, id, sessionURL string, now time.Time) error

	// Ping refreshes a session's last-ping timestamp.
	// Returns ErrSessionNotFound for unknown or already-reaped sessions.
	Ping(ctx context.Context, id string, now time.Time) error

	// AddRoute upserts (application, device, command) -> session.
	// Returns ErrSessionNotFound when the session does not exist.
	AddRoute(ctx context.Context, app, device, cmd, sessionID string) error

	// DeleteRoute removes a route. Removing an absent route is a no-op.
	DeleteRoute(ctx context.Context, app, device, cmd string) error

	// DeleteSession removes a session and every route referencing it.
	DeleteSession(ctx context.Context, id string) error

	// Resolve returns the session URL owning (application, device, command).
	// Returns ErrRouteNotFound when no session holds the route.
	Resolve(ctx context.Context, app, device, cmd string) (string, error)

	// SweepExpired deletes sessions whose last ping is older than ttl,
	// along with their routes, returning the removed session IDs.
	SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RegisterSession creates or replaces a session record.
func (r *SQLiteRepository) RegisterSession(ctx context.Context, id, sessionURL string, now time.Time) error {
	query := `
		INSERT INTO command_sessions (id, last_ping, session_url)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_ping = excluded.last_ping,
			session_url = excluded.session_url`

	if _, err := r.db.ExecContext(ctx, query, id, now.UTC().Format(tsLayout), sessionURL); err != nil {
		return fmt.Errorf("registering session %s: %w", id, err)
	}
	return nil
}

// Ping refreshes a session's last-ping timestamp.
func (r *SQLiteRepository) Ping(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE command_sessions SET last_ping = ? WHERE id = ?`,
		now.UTC().Format(tsLayout), id)
	if err != nil {
		return fmt.Errorf("pinging session %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("pinging session %s: %w", id, err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AddRoute upserts (application, device, command) -> session.
func (r *SQLiteRepository) AddRoute(ctx context.Context, app, device, cmd, sessionID string) error {
	query := `
		INSERT INTO command_routes (application, device, command, session)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(application, device, command) DO UPDATE SET
			session = excluded.session`

	_, err := r.db.ExecContext(ctx, query, app, device, cmd, sessionID)
	if err == nil {
		return nil
	}

	// The insert trips its foreign key when the session was reaped between
	// channel setup and this write; report the missing session, not the
	// constraint.
	var exists int
	checkErr := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM command_sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(checkErr, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	return fmt.Errorf("adding route %s/%s/%s: %w", app, device, cmd, err)
}

// DeleteRoute removes a route.
func (r *SQLiteRepository) DeleteRoute(ctx context.Context, app, device, cmd string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM command_routes WHERE application = ? AND device = ? AND command = ?`,
		app, device, cmd)
	if err != nil {
		return fmt.Errorf("deleting route %s/%s/%s: %w", app, device, cmd, err)
	}
	return nil
}

// DeleteSession removes a session and every route referencing it.
func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_routes WHERE session = ?`, id); err != nil {
		return fmt.Errorf("deleting routes for session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM command_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return tx.Commit()
}

// Resolve returns the session URL owning (application, device, command).
func (r *SQLiteRepository) Resolve(ctx context.Context, app, device, cmd string) (string, error) {
	query := `
		SELECT s.session_url
		FROM command_routes r
		JOIN command_sessions s ON s.id = r.session
		WHERE r.application = ? AND r.device = ? AND r.command = ?`

	var sessionURL string
	err := r.db.QueryRowContext(ctx, query, app, device, cmd).Scan(&sessionURL)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRouteNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolving route %s/%s/%s: %w", app, device, cmd, err)
	}
	return sessionURL, nil
}

// SweepExpired deletes sessions whose last ping is older than ttl.
func (r *SQLiteRepository) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	cutoff := now.UTC().Add(-ttl).Format(tsLayout)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sweeping sessions: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM command_sessions WHERE last_ping < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting expired sessions: %w", err)
	}

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired session: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating expired sessions: %w", err)
	}
	rows.Close()

	if len(expired) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(expired)), ",")
	args := make([]any, len(expired))
	for i, id := range expired {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM command_routes WHERE session IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("deleting expired routes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM command_sessions WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("deleting expired sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sweeping sessions: %w", err)
	}
	return expired, nil
}
