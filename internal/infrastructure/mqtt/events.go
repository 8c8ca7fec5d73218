package mqtt

import (
	"context"
	"fmt"

	"github.com/openfield-iot/fieldgate-core/internal/event"
)

// EventPublisher forwards accepted events to the downstream log in
// structured encoding. It satisfies the ingest service's publisher
// interface.
type EventPublisher struct {
	client *Client
	qos    byte
}

// NewEventPublisher creates an event publisher at the given QoS.
func NewEventPublisher(client *Client, qos byte) *EventPublisher {
	return &EventPublisher{client: client, qos: qos}
}

// PublishEvent publishes one accepted event and returns only after the
// broker acknowledged it, so the caller can report failure to the device.
func (p *EventPublisher) PublishEvent(ctx context.Context, e *event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := e.MarshalStructured()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.ID, err)
	}

	topic := Topics{}.Event(e.Extension(event.ExtApplication), e.Extension(event.ExtDevice))
	return p.client.Publish(topic, payload, p.qos, false)
}
