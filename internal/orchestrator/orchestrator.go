package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// Service is the transport-neutral facade over the core. HTTP and WebSocket
// handlers call through it; every operation takes the authenticated principal
// and enforces ownership before touching the broker or storage.
type Service struct {
	broker    interfaces.Broker
	registry  interfaces.HandlerRegistry
	flows     interfaces.FlowService
	scheduler interfaces.SchedulerService
	auth      interfaces.AuthService
	storage   interfaces.StorageManager
	validate  *validator.Validate
	logger    arbor.ILogger
}

// New creates the orchestrator facade.
func New(
	broker interfaces.Broker,
	registry interfaces.HandlerRegistry,
	flows interfaces.FlowService,
	scheduler interfaces.SchedulerService,
	auth interfaces.AuthService,
	storage interfaces.StorageManager,
	logger arbor.ILogger,
) *Service {
	return &Service{
		broker:    broker,
		registry:  registry,
		flows:     flows,
		scheduler: scheduler,
		auth:      auth,
		storage:   storage,
		validate:  validator.New(),
		logger:    logger,
	}
}

// SubmitJob validates and enqueues a single job for the principal. The
// payload's userId is always the caller's; a submitted value is overwritten.
func (s *Service) SubmitJob(ctx context.Context, principal *models.Principal, input *interfaces.SubmitJobInput) (*models.Job, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	if input == nil {
		return nil, models.ErrInvalidInput("request body is required", nil)
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, models.ErrInvalidInput("invalid job submission", err)
	}
	if _, err := s.registry.Get(input.HandlerName); err != nil {
		return nil, err
	}

	payload := make(map[string]interface{}, len(input.Payload)+1)
	for k, v := range input.Payload {
		payload[k] = v
	}
	payload["userId"] = principal.UserID

	jobID, err := s.broker.Enqueue(ctx, input.Queue, input.HandlerName, payload, input.Options)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("queue", input.Queue).
		Str("handler", input.HandlerName).
		Str("user_id", principal.UserID).
		Msg("Job submitted")

	return s.broker.GetJob(ctx, input.Queue, jobID)
}

// GetJob returns a job owned by the principal.
func (s *Service) GetJob(ctx context.Context, principal *models.Principal, queue, jobID string) (*models.Job, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}

	job, err := s.broker.GetJob(ctx, queue, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID() != principal.UserID {
		return nil, models.ErrUnauthorised("job belongs to another user")
	}
	return job, nil
}

// ListJobs pages through the principal's jobs on a queue, optionally filtered
// by state. Unknown state names are rejected before the broker is consulted.
func (s *Service) ListJobs(ctx context.Context, principal *models.Principal, queue string, query models.ListJobsQuery) (*models.JobPage, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	for _, state := range query.States {
		if _, err := models.ParseJobState(string(state)); err != nil {
			return nil, err
		}
	}

	page, err := s.broker.ListByState(ctx, queue, query)
	if err != nil {
		return nil, err
	}

	owned := make([]*models.Job, 0, len(page.Jobs))
	for _, job := range page.Jobs {
		if job.UserID() == principal.UserID {
			owned = append(owned, job)
		}
	}
	page.Jobs = owned
	page.Pagination.Total = len(owned)
	if page.Pagination.Limit > 0 {
		page.Pagination.TotalPages = (len(owned) + page.Pagination.Limit - 1) / page.Pagination.Limit
	}
	return page, nil
}

// DeleteJob removes a job owned by the principal. Deleting a job that is
// already gone is not an error.
func (s *Service) DeleteJob(ctx context.Context, principal *models.Principal, queue, jobID string) error {
	if principal == nil {
		return models.ErrUnauthorised("authentication required")
	}

	job, err := s.broker.GetJob(ctx, queue, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound("", nil)) {
			return nil
		}
		return err
	}
	if job.UserID() != principal.UserID {
		return models.ErrUnauthorised("job belongs to another user")
	}

	if err := s.broker.Remove(ctx, queue, jobID); err != nil {
		if errors.Is(err, models.ErrNotFound("", nil)) {
			return nil
		}
		return err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("queue", queue).
		Str("user_id", principal.UserID).
		Msg("Job deleted")
	return nil
}

// Flows returns the flow service.
func (s *Service) Flows() interfaces.FlowService {
	return s.flows
}

// Scheduler returns the scheduler service.
func (s *Service) Scheduler() interfaces.SchedulerService {
	return s.scheduler
}

// Auth returns the auth service.
func (s *Service) Auth() interfaces.AuthService {
	return s.auth
}

// CreateWebhook registers an endpoint for the principal. The (user, url,
// eventType) tuple is unique; duplicates surface as Conflict.
func (s *Service) CreateWebhook(ctx context.Context, principal *models.Principal, input *interfaces.WebhookInput) (*models.Webhook, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	if input == nil {
		return nil, models.ErrInvalidInput("request body is required", nil)
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, models.ErrInvalidInput("invalid webhook registration", err)
	}
	if !models.ValidWebhookEventType(input.EventType) {
		return nil, models.ErrInvalidInput("unknown webhook event type", nil)
	}

	active := true
	if input.Active != nil {
		active = *input.Active
	}

	now := time.Now()
	webhook := &models.Webhook{
		ID:          common.NewWebhookID(),
		UserID:      principal.UserID,
		URL:         input.URL,
		EventType:   input.EventType,
		Active:      active,
		Description: input.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.storage.Webhooks().Create(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// GetWebhook returns a registration owned by the principal.
func (s *Service) GetWebhook(ctx context.Context, principal *models.Principal, id string) (*models.Webhook, error) {
	return s.ownedWebhook(ctx, principal, id)
}

// ListWebhooks returns the principal's registrations.
func (s *Service) ListWebhooks(ctx context.Context, principal *models.Principal) ([]*models.Webhook, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	return s.storage.Webhooks().ListByUser(ctx, principal.UserID)
}

// UpdateWebhook replaces the mutable fields of a registration.
func (s *Service) UpdateWebhook(ctx context.Context, principal *models.Principal, id string, input *interfaces.WebhookInput) (*models.Webhook, error) {
	webhook, err := s.ownedWebhook(ctx, principal, id)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, models.ErrInvalidInput("request body is required", nil)
	}

	if input.URL != "" {
		webhook.URL = input.URL
	}
	if input.EventType != "" {
		if !models.ValidWebhookEventType(input.EventType) {
			return nil, models.ErrInvalidInput("unknown webhook event type", nil)
		}
		webhook.EventType = input.EventType
	}
	if input.Active != nil {
		webhook.Active = *input.Active
	}
	if input.Description != "" {
		webhook.Description = input.Description
	}
	webhook.UpdatedAt = time.Now()

	if err := s.storage.Webhooks().Update(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// DeleteWebhook removes a registration owned by the principal.
func (s *Service) DeleteWebhook(ctx context.Context, principal *models.Principal, id string) error {
	if _, err := s.ownedWebhook(ctx, principal, id); err != nil {
		return err
	}
	return s.storage.Webhooks().Delete(ctx, id)
}

func (s *Service) ownedWebhook(ctx context.Context, principal *models.Principal, id string) (*models.Webhook, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	webhook, err := s.storage.Webhooks().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if webhook.UserID != principal.UserID {
		return nil, models.ErrUnauthorised("webhook belongs to another user")
	}
	return webhook, nil
}
