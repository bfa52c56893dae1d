package interfaces

import "github.com/ternarybob/conduit/internal/models"

// EventFilter selects which events a subscription receives. Zero-valued
// fields match everything.
type EventFilter struct {
	Queue  string
	JobID  string
	UserID string
	Types  []models.EventType
}

// Subscription is one bounded consumer of the bus. C delivers matching
// events; progress and delta events may be dropped on overflow, terminal
// events are never dropped.
type Subscription interface {
	C() <-chan models.Event
	Close()
}

// EventBus is the process-local broadcaster bridging broker events to the
// real-time fan-out, the webhook dispatcher, and the flow coordinator.
// Publish never blocks.
type EventBus interface {
	Publish(event models.Event)
	Subscribe(filter EventFilter, buffer int) Subscription
	Close()
}
