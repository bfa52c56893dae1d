package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// Service expands schedules into job firings. Durable schedule state lives
// in the broker's store; each armed schedule runs its own timer goroutine so
// upsert can re-arm one series without disturbing the rest.
type Service struct {
	broker  interfaces.Broker
	logger  arbor.ILogger
	allowed func(string) bool
	defaultLoc *time.Location

	mu      sync.Mutex
	runners map[string]chan struct{}
	started bool
}

// New creates the scheduler service. timezone is the default for cron
// triggers that do not carry their own.
func New(broker interfaces.Broker, allowed func(string) bool, timezone string, logger arbor.ILogger) *Service {
	loc, err := time.LoadLocation(timezone)
	if err != nil || loc == nil {
		loc = time.UTC
	}

	return &Service{
		broker:     broker,
		logger:     logger,
		allowed:    allowed,
		defaultLoc: loc,
		runners:    make(map[string]chan struct{}),
	}
}

// Start re-arms every persisted schedule.
func (s *Service) Start() error {
	schedules, err := s.broker.ListSchedules(context.Background())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	for _, schedule := range schedules {
		s.arm(schedule)
	}

	s.logger.Info().Int("schedules", len(schedules)).Msg("Scheduler started")
	return nil
}

// Stop cancels every armed series. Already-enqueued jobs are untouched.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	for id, stop := range s.runners {
		close(stop)
		delete(s.runners, id)
	}
}

// UpsertSchedule validates, persists, and (re-)arms a schedule. Re-submission
// with the same schedulerId replaces the template without duplicating the
// series.
func (s *Service) UpsertSchedule(ctx context.Context, principal *models.Principal, input *interfaces.CreateScheduleInput) (*models.Schedule, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	if input == nil || input.HandlerName == "" || input.Queue == "" {
		return nil, models.ErrInvalidInput("handlerName and queue are required", nil)
	}
	if s.allowed != nil && !s.allowed(input.Queue) {
		return nil, models.ErrInvalidQueue(input.Queue)
	}
	if err := validateTrigger(input.Trigger); err != nil {
		return nil, err
	}

	now := time.Now()
	schedulerID := input.SchedulerID
	created := now
	fireCount := 0

	if schedulerID != "" {
		existing, err := s.broker.GetSchedule(ctx, schedulerID)
		if err == nil {
			if existing.UserID != principal.UserID {
				return nil, models.ErrUnauthorised("schedule belongs to another user")
			}
			// Replacing a series keeps its identity: creation time and the
			// firings already spent against a limit.
			created = existing.CreatedAt
			fireCount = existing.FireCount
		}
	} else {
		schedulerID = models.SchedulerID(principal.UserID, input.HandlerName, now)
	}

	schedule := &models.Schedule{
		SchedulerID: schedulerID,
		UserID:      principal.UserID,
		HandlerName: input.HandlerName,
		Queue:       input.Queue,
		Payload:     input.Payload,
		Options:     input.Options,
		Trigger:     input.Trigger,
		StartDate:   input.StartDate,
		EndDate:     input.EndDate,
		FireCount:   fireCount,
		CreatedAt:   created,
		UpdatedAt:   now,
	}

	if next := s.nextFire(schedule, now); next != nil {
		schedule.NextFire = next
	}

	if err := s.broker.UpsertSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	s.arm(schedule)
	return schedule, nil
}

// GetSchedule returns a schedule owned by the principal.
func (s *Service) GetSchedule(ctx context.Context, principal *models.Principal, schedulerID string) (*models.Schedule, error) {
	schedule, err := s.broker.GetSchedule(ctx, schedulerID)
	if err != nil {
		return nil, err
	}
	if principal == nil || schedule.UserID != principal.UserID {
		return nil, models.ErrUnauthorised("schedule belongs to another user")
	}
	return schedule, nil
}

// ListSchedules returns the principal's schedules.
func (s *Service) ListSchedules(ctx context.Context, principal *models.Principal) ([]*models.Schedule, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	return s.broker.ListSchedulesByUser(ctx, principal.UserID)
}

// DeleteSchedule cancels future firings and removes the series.
func (s *Service) DeleteSchedule(ctx context.Context, principal *models.Principal, schedulerID string) error {
	schedule, err := s.broker.GetSchedule(ctx, schedulerID)
	if err != nil {
		return err
	}
	if principal == nil || schedule.UserID != principal.UserID {
		return models.ErrUnauthorised("schedule belongs to another user")
	}

	s.disarm(schedulerID)
	return s.broker.RemoveSchedule(ctx, schedulerID)
}

// arm starts (or restarts) the timer goroutine for one schedule.
func (s *Service) arm(schedule *models.Schedule) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if stop, ok := s.runners[schedule.SchedulerID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	s.runners[schedule.SchedulerID] = stop
	s.mu.Unlock()

	go s.run(schedule.SchedulerID, stop)
}

func (s *Service) disarm(schedulerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.runners[schedulerID]; ok {
		close(stop)
		delete(s.runners, schedulerID)
	}
}

// run fires the series until it ends or is disarmed. The schedule row is
// reloaded before every fire so an upsert mid-series is honoured even if the
// old runner wins a race.
func (s *Service) run(schedulerID string, stop chan struct{}) {
	for {
		schedule, err := s.broker.GetSchedule(context.Background(), schedulerID)
		if err != nil {
			return
		}

		next := s.nextFire(schedule, time.Now())
		if next == nil {
			s.logger.Debug().Str("scheduler_id", schedulerID).Msg("Schedule series ended")
			return
		}

		timer := time.NewTimer(time.Until(*next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.fire(schedule, *next); err != nil {
			s.logger.Warn().Err(err).Str("scheduler_id", schedulerID).Msg("Schedule firing failed")
		}
	}
}

// fire emits one templated job and advances the durable series state.
func (s *Service) fire(schedule *models.Schedule, firedAt time.Time) error {
	payload := make(map[string]interface{}, len(schedule.Payload)+2)
	for k, v := range schedule.Payload {
		payload[k] = v
	}
	payload["userId"] = schedule.UserID
	payload["_scheduleMetadata"] = map[string]interface{}{
		"schedulerId": schedule.SchedulerID,
		"firedAt":     firedAt.Format(time.RFC3339Nano),
	}

	ctx := context.Background()
	jobID, err := s.broker.Enqueue(ctx, schedule.Queue, schedule.HandlerName, payload, schedule.Options)
	if err != nil {
		return err
	}

	schedule.FireCount++
	schedule.UpdatedAt = time.Now()
	schedule.NextFire = s.nextFire(schedule, time.Now())
	if err := s.broker.UpsertSchedule(ctx, schedule); err != nil {
		return err
	}

	s.logger.Debug().
		Str("scheduler_id", schedule.SchedulerID).
		Str("job_id", jobID).
		Int("fire_count", schedule.FireCount).
		Msg("Schedule fired")
	return nil
}

// nextFire computes the next firing instant, or nil when the series is over.
// Cron: next matching instant strictly after max(now, startDate). Repeat:
// first fire at max(now, startDate), subsequent at previous + every, with an
// optional firing limit. endDate terminates the series inclusively.
func (s *Service) nextFire(schedule *models.Schedule, now time.Time) *time.Time {
	base := now
	if schedule.StartDate != nil && schedule.StartDate.After(base) {
		base = *schedule.StartDate
	}

	var next time.Time

	if schedule.Trigger.Cron != "" {
		loc := s.defaultLoc
		if schedule.Trigger.Timezone != "" {
			if l, err := time.LoadLocation(schedule.Trigger.Timezone); err == nil {
				loc = l
			}
		}
		spec, err := cron.ParseStandard(schedule.Trigger.Cron)
		if err != nil {
			return nil
		}
		next = spec.Next(base.In(loc))
	} else {
		if schedule.Trigger.Limit > 0 && schedule.FireCount >= schedule.Trigger.Limit {
			return nil
		}
		every := time.Duration(schedule.Trigger.EveryMs) * time.Millisecond
		if schedule.FireCount == 0 {
			next = base
		} else if schedule.NextFire != nil && schedule.NextFire.After(now) {
			next = *schedule.NextFire
		} else {
			next = now.Add(every)
		}
	}

	if next.IsZero() {
		return nil
	}
	if schedule.EndDate != nil && next.After(*schedule.EndDate) {
		return nil
	}
	return &next
}

// validateTrigger requires exactly one of cron / repeat-every.
func validateTrigger(trigger models.ScheduleTrigger) error {
	hasCron := trigger.Cron != ""
	hasEvery := trigger.EveryMs > 0

	if hasCron == hasEvery {
		return models.ErrInvalidInput("trigger must set exactly one of cron or every", nil)
	}
	if hasCron {
		if _, err := cron.ParseStandard(trigger.Cron); err != nil {
			return models.ErrInvalidInput(fmt.Sprintf("invalid cron expression %q", trigger.Cron), err)
		}
		if trigger.Timezone != "" {
			if _, err := time.LoadLocation(trigger.Timezone); err != nil {
				return models.ErrInvalidInput(fmt.Sprintf("unknown timezone %q", trigger.Timezone), err)
			}
		}
	}
	return nil
}
