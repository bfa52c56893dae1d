package models

import "time"

// WebhookEventType filters which job events a webhook receives. The value
// "all" matches every kind, including delta.
type WebhookEventType string

const (
	WebhookEventProgress  WebhookEventType = "progress"
	WebhookEventCompleted WebhookEventType = "completed"
	WebhookEventFailed    WebhookEventType = "failed"
	WebhookEventDelta     WebhookEventType = "delta"
	WebhookEventAll       WebhookEventType = "all"
)

// ValidWebhookEventType reports whether t is in the accepted set.
func ValidWebhookEventType(t WebhookEventType) bool {
	switch t {
	case WebhookEventProgress, WebhookEventCompleted, WebhookEventFailed, WebhookEventDelta, WebhookEventAll:
		return true
	}
	return false
}

// Webhook is a user-registered HTTP POST endpoint invoked on matching job
// events. (UserID, URL, EventType) is unique.
type Webhook struct {
	ID          string           `json:"id" badgerhold:"key"`
	UserID      string           `json:"userId" badgerhold:"index"`
	URL         string           `json:"url"`
	EventType   WebhookEventType `json:"eventType"`
	Active      bool             `json:"active"`
	Description string           `json:"description,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// WebhookPayload is the outbound POST body. Shape varies by event kind:
// progress carries Progress, completed carries Result, failed carries Error.
type WebhookPayload struct {
	ID        string      `json:"id"`
	Jobname   string      `json:"jobname"`
	UserID    string      `json:"userId"`
	EventType string      `json:"eventType"`
	Progress  interface{} `json:"progress,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}
