package broker

import (
	"context"
	"time"
)

// Event is one lifecycle message published for downstream consumers
// (billing reconciliation, reporting). Delivery is at-least-once.
type Event struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	UUID      string         `json:"uuid"`
	User      string         `json:"user_identifier"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Broker interface {
	Publish(ctx context.Context, ev Event) error
	// Working reports broker connectivity; forwarding refuses to run when
	// the broker is down so lifecycle events cannot be silently lost.
	Working(ctx context.Context) bool
	EventsDisabled() bool
	Close() error
}
