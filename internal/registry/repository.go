package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for registry persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
//
// Create/Delete operations exist for the management plane and test fixtures;
// the data plane itself only reads records and updates connection state.
type Repository interface {
	// GetApplication retrieves a non-deleted application by name.
	// Returns ErrApplicationNotFound if it does not exist.
	GetApplication(ctx context.Context, name string) (*Application, error)

	// GetDevice retrieves a non-deleted device by (application, name).
	// Returns ErrDeviceNotFound if it does not exist.
	GetDevice(ctx context.Context, app, name string) (*Device, error)

	// GetDeviceByAlias resolves (application, alias type, alias value) to a
	// non-deleted device. Returns ErrDeviceNotFound if nothing matches.
	GetDeviceByAlias(ctx context.Context, app, aliasType, value string) (*Device, error)

	// GetDeviceByAnyAlias resolves an alias value regardless of alias type.
	// Used for protocol-dependent hints where the type is not known.
	GetDeviceByAnyAlias(ctx context.Context, app, value string) (*Device, error)

	// CreateApplication inserts a new application record.
	// Returns ErrApplicationExists on a name collision.
	CreateApplication(ctx context.Context, application *Application) error

	// CreateDevice inserts a new device record along with its aliases.
	// Returns ErrDeviceExists on an (application, name) collision among
	// non-deleted devices.
	CreateDevice(ctx context.Context, device *Device) error

	// DeleteDevice soft-deletes a device. Returns ErrFinalizersPresent
	// while the finalizer list is non-empty.
	DeleteDevice(ctx context.Context, app, name string) error

	// UpdateConnection updates a device's connection-state facet inside the
	// caller's transaction, advancing generation and resource version.
	// Returns the new generation for the paired outbox record.
	UpdateConnection(ctx context.Context, tx *sql.Tx, app, name string, conn Connection) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `uid, application, name, credentials, gateway_selector,
	connection, generation, resource_version, created_at, deleted_at, finalizers`

// GetApplication retrieves a non-deleted application by name.
func (r *SQLiteRepository) GetApplication(ctx context.Context, name string) (*Application, error) {
	query := `
		SELECT name, uid, publish_rules, generation, resource_version,
			created_at, deleted_at, finalizers
		FROM applications
		WHERE name = ? AND deleted_at IS NULL`

	var a Application
	var rules, finalizers, createdAt string
	var deletedAt sql.NullString

	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&a.Name,
		&a.UID,
		&rules,
		&a.Generation,
		&a.ResourceVersion,
		&createdAt,
		&deletedAt,
		&finalizers,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrApplicationNotFound
		}
		return nil, fmt.Errorf("querying application: %w", err)
	}

	a.PublishRules = json.RawMessage(rules)
	if err := json.Unmarshal([]byte(finalizers), &a.Finalizers); err != nil {
		return nil, fmt.Errorf("unmarshalling finalizers: %w", err)
	}
	a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if deletedAt.Valid {
		t, parseErr := time.Parse(time.RFC3339, deletedAt.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", parseErr)
		}
		a.DeletedAt = &t
	}

	return &a, nil
}

// GetDevice retrieves a non-deleted device by (application, name).
func (r *SQLiteRepository) GetDevice(ctx context.Context, app, name string) (*Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE application = ? AND name = ? AND deleted_at IS NULL`

	return r.queryDevice(ctx, query, app, name)
}

// GetDeviceByAlias resolves (application, alias type, alias value) to a device.
func (r *SQLiteRepository) GetDeviceByAlias(ctx context.Context, app, aliasType, value string) (*Device, error) {
	query := `
		SELECT ` + deviceColumnsPrefixed + `
		FROM devices d
		JOIN device_aliases a ON a.device_uid = d.uid
		WHERE a.application = ? AND a.type = ? AND a.value = ?
			AND d.deleted_at IS NULL`

	return r.queryDevice(ctx, query, app, aliasType, value)
}

// GetDeviceByAnyAlias resolves an alias value regardless of alias type.
func (r *SQLiteRepository) GetDeviceByAnyAlias(ctx context.Context, app, value string) (*Device, error) {
	query := `
		SELECT DISTINCT ` + deviceColumnsPrefixed + `
		FROM devices d
		JOIN device_aliases a ON a.device_uid = d.uid
		WHERE a.application = ? AND a.value = ?
			AND d.deleted_at IS NULL`

	return r.queryDevice(ctx, query, app, value)
}

const deviceColumnsPrefixed = `d.uid, d.application, d.name, d.credentials,
	d.gateway_selector, d.connection, d.generation, d.resource_version,
	d.created_at, d.deleted_at, d.finalizers`

// CreateApplication inserts a new application record.
func (r *SQLiteRepository) CreateApplication(ctx context.Context, application *Application) error {
	if application.UID == "" {
		application.UID = NewUID()
	}
	if application.ResourceVersion == "" {
		application.ResourceVersion = NewResourceVersion()
	}
	if application.CreatedAt.IsZero() {
		application.CreatedAt = time.Now().UTC()
	}
	if len(application.PublishRules) == 0 {
		application.PublishRules = json.RawMessage("[]")
	}

	finalizers, err := json.Marshal(application.Finalizers)
	if err != nil {
		return fmt.Errorf("marshalling finalizers: %w", err)
	}

	query := `
		INSERT INTO applications (
			name, uid, publish_rules, generation, resource_version,
			created_at, deleted_at, finalizers
		) VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`

	_, err = r.db.ExecContext(ctx, query,
		application.Name,
		application.UID,
		string(application.PublishRules),
		application.Generation,
		application.ResourceVersion,
		application.CreatedAt.Format(time.RFC3339),
		normalizeJSONList(finalizers),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrApplicationExists
		}
		return fmt.Errorf("inserting application: %w", err)
	}

	return nil
}

// CreateDevice inserts a new device record along with its aliases.
// The device name itself is always registered as an alias of type "id".
func (r *SQLiteRepository) CreateDevice(ctx context.Context, device *Device) error {
	if device.UID == "" {
		device.UID = NewUID()
	}
	if device.ResourceVersion == "" {
		device.ResourceVersion = NewResourceVersion()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if len(device.Credentials) == 0 {
		device.Credentials = json.RawMessage("[]")
	}

	selector, err := json.Marshal(device.GatewaySelector)
	if err != nil {
		return fmt.Errorf("marshalling gateway_selector: %w", err)
	}
	connection, err := json.Marshal(device.Connection)
	if err != nil {
		return fmt.Errorf("marshalling connection: %w", err)
	}
	finalizers, err := json.Marshal(device.Finalizers)
	if err != nil {
		return fmt.Errorf("marshalling finalizers: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	query := `
		INSERT INTO devices (
			uid, application, name, credentials, gateway_selector,
			connection, generation, resource_version, created_at,
			deleted_at, finalizers
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`

	_, err = tx.ExecContext(ctx, query,
		device.UID,
		device.Application,
		device.Name,
		string(device.Credentials),
		normalizeJSONList(selector),
		string(connection),
		device.Generation,
		device.ResourceVersion,
		device.CreatedAt.Format(time.RFC3339),
		normalizeJSONList(finalizers),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	// Register the implicit "id" alias plus any explicit aliases.
	aliases := append([]Alias{{Type: AliasTypeID, Value: device.Name}}, device.Aliases...)
	for _, alias := range aliases {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO device_aliases (application, type, value, device_uid)
			VALUES (?, ?, ?, ?)`,
			device.Application, alias.Type, alias.Value, device.UID,
		)
		if err != nil {
			return fmt.Errorf("inserting alias %s=%s: %w", alias.Type, alias.Value, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device insert: %w", err)
	}
	return nil
}

// DeleteDevice soft-deletes a device, keeping its UID reserved forever.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, app, name string) error {
	device, err := r.GetDevice(ctx, app, name)
	if err != nil {
		return err
	}
	if len(device.Finalizers) > 0 {
		return ErrFinalizersPresent
	}

	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	_, err = tx.ExecContext(ctx, `
		UPDATE devices
		SET deleted_at = ?, resource_version = ?, generation = generation + 1
		WHERE uid = ?`,
		now.Format(time.RFC3339), NewResourceVersion(), device.UID,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting device: %w", err)
	}

	// Aliases must stop resolving immediately so the name is free for reuse.
	_, err = tx.ExecContext(ctx,
		"DELETE FROM device_aliases WHERE device_uid = ?", device.UID,
	)
	if err != nil {
		return fmt.Errorf("removing aliases: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device delete: %w", err)
	}
	return nil
}

// UpdateConnection updates a device's connection-state facet inside the
// caller's transaction. The caller pairs this with an outbox upsert so the
// state change and its change notification commit atomically.
func (r *SQLiteRepository) UpdateConnection(ctx context.Context, tx *sql.Tx, app, name string, conn Connection) (int64, error) {
	connection, err := json.Marshal(conn)
	if err != nil {
		return 0, fmt.Errorf("marshalling connection: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE devices
		SET connection = ?, generation = generation + 1, resource_version = ?
		WHERE application = ? AND name = ? AND deleted_at IS NULL`,
		string(connection), NewResourceVersion(), app, name,
	)
	if err != nil {
		return 0, fmt.Errorf("updating connection state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return 0, ErrDeviceNotFound
	}

	var generation int64
	err = tx.QueryRowContext(ctx, `
		SELECT generation FROM devices
		WHERE application = ? AND name = ? AND deleted_at IS NULL`,
		app, name,
	).Scan(&generation)
	if err != nil {
		return 0, fmt.Errorf("reading generation: %w", err)
	}

	return generation, nil
}

// queryDevice executes a single-device query and loads the device's aliases.
func (r *SQLiteRepository) queryDevice(ctx context.Context, query string, args ...any) (*Device, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}

	if err := r.loadAliases(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// loadAliases populates the device's alias list.
func (r *SQLiteRepository) loadAliases(ctx context.Context, device *Device) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, value FROM device_aliases
		WHERE device_uid = ?
		ORDER BY type, value`,
		device.UID,
	)
	if err != nil {
		return fmt.Errorf("querying aliases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.Type, &a.Value); err != nil {
			return fmt.Errorf("scanning alias: %w", err)
		}
		device.Aliases = append(device.Aliases, a)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating aliases: %w", err)
	}
	return nil
}

// scanDevice scans a single row into a Device.
func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var credentials, selector, connection, finalizers, createdAt string
	var deletedAt sql.NullString

	err := row.Scan(
		&d.UID,
		&d.Application,
		&d.Name,
		&credentials,
		&selector,
		&connection,
		&d.Generation,
		&d.ResourceVersion,
		&createdAt,
		&deletedAt,
		&finalizers,
	)
	if err != nil {
		return nil, err
	}

	d.Credentials = json.RawMessage(credentials)

	if err := json.Unmarshal([]byte(selector), &d.GatewaySelector); err != nil {
		return nil, fmt.Errorf("unmarshalling gateway_selector: %w", err)
	}
	if err := json.Unmarshal([]byte(connection), &d.Connection); err != nil {
		return nil, fmt.Errorf("unmarshalling connection: %w", err)
	}
	if err := json.Unmarshal([]byte(finalizers), &d.Finalizers); err != nil {
		return nil, fmt.Errorf("unmarshalling finalizers: %w", err)
	}

	d.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if deletedAt.Valid {
		t, parseErr := time.Parse(time.RFC3339, deletedAt.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", parseErr)
		}
		d.DeletedAt = &t
	}

	return &d, nil
}

// normalizeJSONList maps Go's "null" marshalling of nil slices to an empty
// JSON array for storage.
func normalizeJSONList(b []byte) string {
	if string(b) == "null" {
		return "[]"
	}
	return string(b)
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
