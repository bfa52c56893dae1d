package models

import "time"

// EventType classifies broker and flow events on the bus.
type EventType string

const (
	EventJobActive    EventType = "active"
	EventJobProgress  EventType = "progress"
	EventJobDelta     EventType = "delta"
	EventJobCompleted EventType = "completed"
	EventJobFailed    EventType = "failed"

	EventFlowUpdated   EventType = "flow:updated"
	EventFlowCompleted EventType = "flow:completed"
	EventFlowDeleted   EventType = "flow:deleted"
)

// IsTerminal reports whether the event kind must never be dropped by a
// bounded subscriber buffer.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventFlowCompleted, EventFlowDeleted:
		return true
	}
	return false
}

// Event is one broker or flow occurrence broadcast on the in-process bus.
type Event struct {
	Type        EventType   `json:"type"`
	Queue       string      `json:"queue,omitempty"`
	JobID       string      `json:"jobId,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	FlowID      string      `json:"flowId,omitempty"`
	HandlerName string      `json:"handlerName,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}
