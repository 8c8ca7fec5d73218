// Package registry provides read access to device and application identity
// records.
//
// Records are authored by the management plane; this core only reads them,
// with one exception: connection-state fields, which the ingest path updates
// inside the same transaction as the matching outbox record.
//
// Lookup supports direct names, the alias table (id, hwaddr, username, ...),
// and a short-TTL in-process cache so the credential matcher can run on
// every inbound message without a database round trip each time.
package registry
