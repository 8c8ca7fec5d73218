package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfield-iot/fieldgate-core/internal/outbox"
)

// Notifier publishes outbox change notifications to the downstream log.
// It satisfies the outbox publisher's Broker interface.
//
// Notifications carry identity only; consumers re-fetch current state.
type Notifier struct {
	client *Client
	qos    byte
}

// NewNotifier creates a notifier publishing at the given QoS.
func NewNotifier(client *Client, qos byte) *Notifier {
	return &Notifier{client: client, qos: qos}
}

// changeMessage is the wire form of a change notification.
type changeMessage struct {
	Application string `json:"application"`
	Device      string `json:"device"`
	Path        string `json:"path"`
	Generation  int64  `json:"generation"`
	Instance    string `json:"instance"`
}

// PublishChange publishes one notification and returns only after the
// broker acknowledged it. The outbox publisher deletes the row on nil.
func (n *Notifier) PublishChange(ctx context.Context, note outbox.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(changeMessage{
		Application: note.Application,
		Device:      note.Device,
		Path:        note.Path,
		Generation:  note.Generation,
		Instance:    note.Instance,
	})
	if err != nil {
		return fmt.Errorf("encoding change notification: %w", err)
	}

	topic := Topics{}.RegistryChange(note.Application, note.Device)
	return n.client.Publish(topic, payload, n.qos, false)
}
