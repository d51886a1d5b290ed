package matching

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/peermatch/match-service/internal/messaging"
)

// Notification is the envelope published to match.notify.<handle>. The
// gateway forwards it to the client verbatim.
type Notification struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NATSNotifier publishes notifications over the per-handle NATS subject.
type NATSNotifier struct {
	nats *messaging.NATSClient
}

// NewNATSNotifier creates a Notifier backed by the given NATS client.
func NewNATSNotifier(nats *messaging.NATSClient) *NATSNotifier {
	return &NATSNotifier{nats: nats}
}

// Notify publishes the event to the handle's notification subject.
func (n *NATSNotifier) Notify(_ context.Context, handle, event string, payload any) error {
	data, err := json.Marshal(Notification{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("matching: marshal %s notification: %w", event, err)
	}
	if err := n.nats.PublishNotify(handle, data); err != nil {
		return fmt.Errorf("matching: publish %s to %s: %w", event, handle, err)
	}
	return nil
}
