package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// tsLayout is a fixed-width RFC3339 variant so stored timestamps sort
// chronologically as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Writer records change notifications inside the caller's transaction.
//
// Thread Safety: safe for concurrent use; every call operates on the
// transaction it is handed.
type Writer struct {
	instance string

	// now is overridable in tests.
	now func() time.Time
}

// NewWriter creates a writer that tags records with this instance's ID.
func NewWriter(instance string) *Writer {
	return &Writer{instance: instance, now: time.Now}
}

// Record upserts the outbox row for (app, device, path) with the given
// generation. A row holding an equal or higher generation is left alone:
// someone already recorded newer state, which is not an error.
//
// Must be called inside the same transaction as the state write the
// record describes.
func (w *Writer) Record(ctx context.Context, tx *sql.Tx, app, device, path string, generation int64) error {
	query := `
		INSERT INTO outbox (application, device, path, instance, generation, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(application, device, path) DO UPDATE SET
			instance = excluded.instance,
			generation = excluded.generation,
			ts = excluded.ts
		WHERE excluded.generation > outbox.generation`

	ts := w.now().UTC().Format(tsLayout)
	if _, err := tx.ExecContext(ctx, query, app, device, path, w.instance, generation, ts); err != nil {
		return fmt.Errorf("recording outbox entry %s/%s/%s: %w", app, device, path, err)
	}
	return nil
}
