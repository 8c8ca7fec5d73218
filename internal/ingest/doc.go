// Package ingest orchestrates the device data plane for one inbound
// message: credential matching, envelope construction and payload
// validation, policy evaluation, and forwarding of accepted events to the
// downstream log.
//
// It also owns the connection-state transition: marking a device
// connected or disconnected updates the registry record and records the
// matching outbox entry in one transaction, so the state change and its
// change notification commit or roll back together.
//
// Protocol front-ends (HTTP, MQTT, and friends) normalize their wire
// formats into Message values and call Ingest; everything protocol
// specific stays outside this package.
package ingest
