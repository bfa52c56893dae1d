package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique broker job ID
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewFlowID generates a unique flow ID
// Format: flow_<uuid>
func NewFlowID() string {
	return "flow_" + uuid.New().String()
}

// NewWebhookID generates a unique webhook ID
func NewWebhookID() string {
	return "wh_" + uuid.New().String()
}

// NewApiKeyID generates a unique API key record ID
func NewApiKeyID() string {
	return "ak_" + uuid.New().String()
}
