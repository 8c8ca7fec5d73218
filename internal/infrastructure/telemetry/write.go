package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteIngest records the outcome of one ingested event.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Outcome is one of accept, reject, drop, or an error class such as
// auth_failed or malformed_payload.
func (c *Client) WriteIngest(app, device, channel, outcome string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"ingest",
		map[string]string{
			"instance":    c.instance,
			"application": app,
			"device":      device,
			"channel":     channel,
			"outcome":     outcome,
		},
		map[string]interface{}{
			"count": int64(1),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnection records a device connection state transition.
func (c *Client) WriteConnection(app, device string, connected bool) {
	if !c.IsConnected() {
		return
	}

	state := int64(0)
	if connected {
		state = 1
	}

	point := write.NewPoint(
		"connection",
		map[string]string{
			"instance":    c.instance,
			"application": app,
			"device":      device,
		},
		map[string]interface{}{
			"connected": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteOutboxSweep records one publisher sweep: rows published and removed.
func (c *Client) WriteOutboxSweep(published int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"outbox_sweep",
		map[string]string{
			"instance": c.instance,
		},
		map[string]interface{}{
			"published": int64(published),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandDelivery records a command forward attempt.
func (c *Client) WriteCommandDelivery(app, device, command string, delivered bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_delivery",
		map[string]string{
			"instance":    c.instance,
			"application": app,
			"device":      device,
			"command":     command,
		},
		map[string]interface{}{
			"delivered": delivered,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
