package interfaces

import (
	"context"

	"github.com/ternarybob/conduit/internal/models"
)

// SubmitJobInput is the submission shape for a single job.
type SubmitJobInput struct {
	Queue       string                 `json:"queue" validate:"required"`
	HandlerName string                 `json:"handlerName" validate:"required"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Options     models.JobOptions      `json:"options,omitempty"`
}

// WebhookInput is the submission shape for webhook CRUD.
type WebhookInput struct {
	URL         string                  `json:"url" validate:"required,url"`
	EventType   models.WebhookEventType `json:"eventType" validate:"required"`
	Description string                  `json:"description,omitempty"`
	Active      *bool                   `json:"active,omitempty"`
}

// Orchestrator is the transport-neutral facade over the core's operations.
// Every operation takes the authenticated principal and enforces ownership.
type Orchestrator interface {
	SubmitJob(ctx context.Context, principal *models.Principal, input *SubmitJobInput) (*models.Job, error)
	GetJob(ctx context.Context, principal *models.Principal, queue, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, principal *models.Principal, queue string, query models.ListJobsQuery) (*models.JobPage, error)
	DeleteJob(ctx context.Context, principal *models.Principal, queue, jobID string) error

	Flows() FlowService
	Scheduler() SchedulerService
	Auth() AuthService

	CreateWebhook(ctx context.Context, principal *models.Principal, input *WebhookInput) (*models.Webhook, error)
	GetWebhook(ctx context.Context, principal *models.Principal, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, principal *models.Principal) ([]*models.Webhook, error)
	UpdateWebhook(ctx context.Context, principal *models.Principal, id string, input *WebhookInput) (*models.Webhook, error)
	DeleteWebhook(ctx context.Context, principal *models.Principal, id string) error
}
