// Package telemetry records data-plane operational measurements in
// InfluxDB: ingest outcomes per device and channel, connection state
// transitions, and outbox publisher throughput.
//
// Writes are non-blocking and batched by the InfluxDB client; a failed
// write never affects the ingest path. The sink is optional and disabled
// by default.
package telemetry
