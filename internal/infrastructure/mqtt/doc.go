// Package mqtt wraps paho.mqtt.golang for publishing to the downstream
// change-notification log.
//
// The client maintains a single broker connection with automatic
// reconnection and exponential backoff, announces instance liveness on a
// retained status topic (with a Last Will for crash detection), and
// publishes outbox change notifications partitioned by device so the
// broker preserves per-device ordering.
//
// The core never subscribes here: commands travel the HTTP command-routing
// path, not the notification log.
package mqtt
