package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/models"
)

// Schedules live in the broker's durable store, keyed by schedulerId.
// Upsert-by-id replaces the template without creating duplicates.

func (b *Broker) UpsertSchedule(ctx context.Context, schedule *models.Schedule) error {
	if schedule == nil || schedule.SchedulerID == "" {
		return models.ErrInvalidInput("schedule with schedulerId is required", nil)
	}
	if err := b.store.Upsert(schedule.SchedulerID, schedule); err != nil {
		return models.ErrBrokerUnavailable("upsert schedule failed", err)
	}
	return nil
}

func (b *Broker) GetSchedule(ctx context.Context, schedulerID string) (*models.Schedule, error) {
	var schedule models.Schedule
	err := b.store.Get(schedulerID, &schedule)
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, models.ErrNotFound(fmt.Sprintf("schedule %s not found", schedulerID), nil)
		}
		return nil, models.ErrBrokerUnavailable("get schedule failed", err)
	}
	return &schedule, nil
}

func (b *Broker) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	var schedules []*models.Schedule
	if err := b.store.Find(&schedules, nil); err != nil {
		return nil, models.ErrBrokerUnavailable("list schedules failed", err)
	}
	return schedules, nil
}

func (b *Broker) ListSchedulesByUser(ctx context.Context, userID string) ([]*models.Schedule, error) {
	var schedules []*models.Schedule
	if err := b.store.Find(&schedules, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, models.ErrBrokerUnavailable("list schedules failed", err)
	}
	return schedules, nil
}

func (b *Broker) RemoveSchedule(ctx context.Context, schedulerID string) error {
	err := b.store.Delete(schedulerID, &models.Schedule{})
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return models.ErrNotFound(fmt.Sprintf("schedule %s not found", schedulerID), nil)
		}
		return models.ErrBrokerUnavailable("remove schedule failed", err)
	}
	return nil
}
