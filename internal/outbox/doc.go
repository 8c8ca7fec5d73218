// Package outbox implements the transactional outbox that ties device
// state changes to downstream change notifications.
//
// The Writer upserts a change record keyed by (application, device, path)
// inside the same transaction as the state write it accompanies, advancing
// the record's generation only forward. Because the record is part of the
// state transaction, a committed change can never lose its notification and
// a rolled-back change never emits one.
//
// The Publisher is a separate loop that drains outbox rows in timestamp
// order, publishes a change notification to the downstream broker, and
// deletes a row only after the broker acknowledged it and only while the
// row's generation is unchanged. Failed publishes leave the row for the
// next sweep: delivery is at-least-once, and rapid successive changes to
// one key collapse into a single notification carrying the latest
// generation.
package outbox
