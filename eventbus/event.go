package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventConnected      EventType = "device.connected"
	EventDisconnected   EventType = "device.disconnected"
	EventKeyPushed      EventType = "device.key_pushed"
	EventAnalyticsState EventType = "analytics.state"
)

// Event is a single notification fanned out by the Bus.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler is a callback invoked when an event is received.
type Handler func(ctx context.Context, event Event)

// NewEvent builds an event with a fresh ULID and the JSON encoding of payload.
// A nil payload leaves Payload empty.
func NewEvent(t EventType, payload any) (Event, error) {
	now := time.Now()
	event := Event{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:      t,
		Timestamp: now,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		event.Payload = data
	}
	return event, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}
