package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/conduit/internal/models"
)

// CreateScheduleInput is the submission shape for a schedule upsert.
type CreateScheduleInput struct {
	SchedulerID string                 `json:"schedulerId,omitempty"`
	HandlerName string                 `json:"handlerName" validate:"required"`
	Queue       string                 `json:"queue" validate:"required"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Options     models.JobOptions      `json:"options,omitempty"`
	Trigger     models.ScheduleTrigger `json:"trigger"`
	StartDate   *time.Time             `json:"startDate,omitempty"`
	EndDate     *time.Time             `json:"endDate,omitempty"`
}

// SchedulerService expands schedules into job firings. Upsert by schedulerId
// replaces the template and next-fire computation without duplicating the
// series; removal cancels future firings only.
type SchedulerService interface {
	UpsertSchedule(ctx context.Context, principal *models.Principal, input *CreateScheduleInput) (*models.Schedule, error)
	GetSchedule(ctx context.Context, principal *models.Principal, schedulerID string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, principal *models.Principal) ([]*models.Schedule, error)
	DeleteSchedule(ctx context.Context, principal *models.Principal, schedulerID string) error

	Start() error
	Stop()
}
