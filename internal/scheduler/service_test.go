package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/broker"
	"github.com/ternarybob/conduit/internal/events"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

func newTestService(t *testing.T) (*Service, interfaces.Broker) {
	t.Helper()
	logger := arbor.NewLogger()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	brk, err := broker.New(store, bus, models.DefaultAllowedQueues(), time.Minute, logger)
	if err != nil {
		t.Fatal(err)
	}

	allowed := func(queue string) bool { return queue == models.QueueSched || queue == models.QueueJobs }
	s := New(brk, allowed, "UTC", logger)
	t.Cleanup(s.Stop)
	return s, brk
}

func TestValidateTrigger(t *testing.T) {
	cases := []struct {
		name    string
		trigger models.ScheduleTrigger
		wantErr bool
	}{
		{"cron only", models.ScheduleTrigger{Cron: "*/5 * * * *"}, false},
		{"every only", models.ScheduleTrigger{EveryMs: 1000}, false},
		{"neither", models.ScheduleTrigger{}, true},
		{"both", models.ScheduleTrigger{Cron: "* * * * *", EveryMs: 1000}, true},
		{"bad cron", models.ScheduleTrigger{Cron: "not a cron"}, true},
		{"bad timezone", models.ScheduleTrigger{Cron: "* * * * *", Timezone: "Mars/Olympus"}, true},
		{"valid timezone", models.ScheduleTrigger{Cron: "0 9 * * *", Timezone: "Australia/Sydney"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateTrigger(tc.trigger)
			if tc.wantErr && models.CodeOf(err) != models.ErrCodeInvalidInput {
				t.Errorf("Expected InvalidInput, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestUpsertScheduleValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	principal := &models.Principal{UserID: "user-1"}

	_, err := s.UpsertSchedule(ctx, nil, &interfaces.CreateScheduleInput{HandlerName: "echo", Queue: models.QueueSched})
	if models.CodeOf(err) != models.ErrCodeUnauthorised {
		t.Fatalf("Expected Unauthorised without principal, got %v", err)
	}

	_, err = s.UpsertSchedule(ctx, principal, &interfaces.CreateScheduleInput{Queue: models.QueueSched, Trigger: models.ScheduleTrigger{EveryMs: 1000}})
	if models.CodeOf(err) != models.ErrCodeInvalidInput {
		t.Fatalf("Expected InvalidInput without handler name, got %v", err)
	}

	_, err = s.UpsertSchedule(ctx, principal, &interfaces.CreateScheduleInput{
		HandlerName: "echo", Queue: "webhooks-wrong", Trigger: models.ScheduleTrigger{EveryMs: 1000},
	})
	if models.CodeOf(err) != models.ErrCodeInvalidQueue {
		t.Fatalf("Expected InvalidQueue, got %v", err)
	}
}

func TestUpsertAssignsDeterministicID(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	schedule, err := s.UpsertSchedule(ctx, &models.Principal{UserID: "user-1"}, &interfaces.CreateScheduleInput{
		HandlerName: "report",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 60_000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if schedule.SchedulerID == "" {
		t.Fatal("Expected generated scheduler id")
	}
	if schedule.NextFire == nil {
		t.Error("Expected next fire computed on upsert")
	}
}

func TestUpsertByIDReplacesSeries(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	principal := &models.Principal{UserID: "user-1"}

	first, err := s.UpsertSchedule(ctx, principal, &interfaces.CreateScheduleInput{
		SchedulerID: "sched_fixed",
		HandlerName: "report",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 60_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)

	second, err := s.UpsertSchedule(ctx, principal, &interfaces.CreateScheduleInput{
		SchedulerID: "sched_fixed",
		HandlerName: "report",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{Cron: "0 9 * * *"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Same identity, replaced trigger, original creation time preserved.
	if second.SchedulerID != "sched_fixed" {
		t.Errorf("Identity changed on upsert: %s", second.SchedulerID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt not preserved: %v vs %v", second.CreatedAt, first.CreatedAt)
	}
	if second.Trigger.Cron != "0 9 * * *" {
		t.Errorf("Trigger not replaced: %+v", second.Trigger)
	}

	mine, err := s.ListSchedules(ctx, principal)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Fatalf("Upsert duplicated the series: %d schedules", len(mine))
	}
}

func TestUpsertPreservesFireCount(t *testing.T) {
	s, brk := newTestService(t)
	ctx := context.Background()
	principal := &models.Principal{UserID: "user-1"}

	first, err := s.UpsertSchedule(ctx, principal, &interfaces.CreateScheduleInput{
		SchedulerID: "sched_budget",
		HandlerName: "report",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 60_000, Limit: 10},
	})
	if err != nil {
		t.Fatal(err)
	}

	// A series that has already spent part of its firing budget.
	first.FireCount = 7
	if err := brk.UpsertSchedule(ctx, first); err != nil {
		t.Fatal(err)
	}

	second, err := s.UpsertSchedule(ctx, principal, &interfaces.CreateScheduleInput{
		SchedulerID: "sched_budget",
		HandlerName: "report",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 30_000, Limit: 10},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Replacing the trigger must not restart the budget against the limit.
	if second.FireCount != 7 {
		t.Errorf("FireCount not preserved across upsert: %d", second.FireCount)
	}
}

func TestUpsertForeignScheduleRejected(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.UpsertSchedule(ctx, &models.Principal{UserID: "user-1"}, &interfaces.CreateScheduleInput{
		SchedulerID: "sched_owned",
		HandlerName: "report",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 60_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.UpsertSchedule(ctx, &models.Principal{UserID: "user-2"}, &interfaces.CreateScheduleInput{
		SchedulerID: "sched_owned",
		HandlerName: "report",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 60_000},
	})
	if models.CodeOf(err) != models.ErrCodeUnauthorised {
		t.Fatalf("Expected Unauthorised on foreign upsert, got %v", err)
	}

	if _, err := s.GetSchedule(ctx, &models.Principal{UserID: "user-2"}, "sched_owned"); models.CodeOf(err) != models.ErrCodeUnauthorised {
		t.Fatalf("Expected Unauthorised on foreign get, got %v", err)
	}
}

func TestNextFireRepeatSemantics(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 1. First fire is immediate.
	schedule := &models.Schedule{Trigger: models.ScheduleTrigger{EveryMs: 60_000}}
	next := s.nextFire(schedule, now)
	if next == nil || !next.Equal(now) {
		t.Fatalf("Expected immediate first fire, got %v", next)
	}

	// 2. Start date pushes the first fire forward.
	start := now.Add(time.Hour)
	schedule = &models.Schedule{Trigger: models.ScheduleTrigger{EveryMs: 60_000}, StartDate: &start}
	next = s.nextFire(schedule, now)
	if next == nil || !next.Equal(start) {
		t.Fatalf("Expected fire at start date, got %v", next)
	}

	// 3. Limit ends the series.
	schedule = &models.Schedule{Trigger: models.ScheduleTrigger{EveryMs: 60_000, Limit: 3}, FireCount: 3}
	if next = s.nextFire(schedule, now); next != nil {
		t.Fatalf("Expected exhausted series, got %v", next)
	}

	// 4. End date cuts the series off.
	end := now.Add(30 * time.Second)
	schedule = &models.Schedule{Trigger: models.ScheduleTrigger{EveryMs: 60_000}, FireCount: 1, EndDate: &end}
	if next = s.nextFire(schedule, now); next != nil {
		t.Fatalf("Expected series ended by end date, got %v", next)
	}
}

func TestNextFireCronSemantics(t *testing.T) {
	s, _ := newTestService(t)

	// Daily at 09:00; from 08:00 the next fire is an hour later.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	schedule := &models.Schedule{Trigger: models.ScheduleTrigger{Cron: "0 9 * * *"}}
	next := s.nextFire(schedule, now)
	if next == nil {
		t.Fatal("Expected next cron fire")
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Expected %v, got %v", want, next)
	}

	// From exactly 09:00 the next fire is strictly after, tomorrow.
	next = s.nextFire(schedule, want)
	if next == nil || !next.Equal(want.AddDate(0, 0, 1)) {
		t.Errorf("Expected next-day fire, got %v", next)
	}
}

func TestSeriesFiresJobs(t *testing.T) {
	s, brk := newTestService(t)
	ctx := context.Background()

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	schedule, err := s.UpsertSchedule(ctx, &models.Principal{UserID: "user-1"}, &interfaces.CreateScheduleInput{
		HandlerName: "tick",
		Queue:       models.QueueSched,
		Payload:     map[string]interface{}{"source": "timer"},
		Trigger:     models.ScheduleTrigger{EveryMs: 50, Limit: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Wait for both firings to land on the queue.
	deadline := time.Now().Add(3 * time.Second)
	var fired []*models.Job
	for len(fired) < 2 && time.Now().Before(deadline) {
		job, ack, err := brk.Receive(ctx, models.QueueSched)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		ack(nil, nil)
		fired = append(fired, job)
	}
	if len(fired) != 2 {
		t.Fatalf("Expected 2 firings, got %d", len(fired))
	}

	for _, job := range fired {
		if job.HandlerName != "tick" {
			t.Errorf("Wrong handler: %s", job.HandlerName)
		}
		if job.Payload["source"] != "timer" {
			t.Errorf("Template payload missing: %+v", job.Payload)
		}
		if job.Payload["userId"] != "user-1" {
			t.Errorf("Owner not stamped: %+v", job.Payload)
		}
		meta, ok := job.Payload["_scheduleMetadata"].(map[string]interface{})
		if !ok || meta["schedulerId"] != schedule.SchedulerID {
			t.Errorf("Schedule metadata missing: %+v", job.Payload)
		}
	}

	// The limit ended the series; the durable record shows both firings.
	time.Sleep(100 * time.Millisecond)
	stored, err := s.GetSchedule(ctx, &models.Principal{UserID: "user-1"}, schedule.SchedulerID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.FireCount != 2 {
		t.Errorf("Expected fire count 2, got %d", stored.FireCount)
	}
	if job, _, _ := brk.Receive(ctx, models.QueueSched); job != nil {
		t.Errorf("Series fired past its limit: %s", job.ID)
	}
}

func TestDeleteScheduleStopsSeries(t *testing.T) {
	s, brk := newTestService(t)
	ctx := context.Background()

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	principal := &models.Principal{UserID: "user-1"}
	schedule, err := s.UpsertSchedule(ctx, principal, &interfaces.CreateScheduleInput{
		HandlerName: "tick",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 3_600_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSchedule(ctx, principal, schedule.SchedulerID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSchedule(ctx, principal, schedule.SchedulerID); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Fatalf("Expected NotFound after delete, got %v", err)
	}

	// The first immediate firing may have happened before deletion; nothing
	// further lands on the queue.
	drained := 0
	for {
		job, ack, err := brk.Receive(ctx, models.QueueSched)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			break
		}
		ack(nil, nil)
		drained++
	}
	if drained > 1 {
		t.Errorf("Deleted series kept firing: %d jobs", drained)
	}
}
