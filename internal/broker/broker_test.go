package broker

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/events"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

func newTestBroker(t *testing.T, visibilityTimeout time.Duration) (*Broker, *events.Bus) {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(arbor.NewLogger())
	t.Cleanup(bus.Close)

	b, err := New(store, bus, models.DefaultAllowedQueues(), visibilityTimeout, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return b, bus
}

func TestEnqueueRejectsUnknownQueue(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "bogus", "echo", nil, models.JobOptions{})
	if models.CodeOf(err) != models.ErrCodeInvalidQueue {
		t.Fatalf("Expected InvalidQueue, got %v", err)
	}
}

func TestReceiveOrdersByPriority(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	lowID, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	highID, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{Priority: 90})
	if err != nil {
		t.Fatal(err)
	}

	job, ack, err := b.Receive(ctx, models.QueueJobs)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != highID {
		t.Fatalf("Expected high-priority job %s first, got %+v", highID, job)
	}
	if job.State != models.JobStateActive {
		t.Errorf("Expected active state after receive, got %s", job.State)
	}
	if err := ack(nil, nil); err != nil {
		t.Fatal(err)
	}

	job, ack, err = b.Receive(ctx, models.QueueJobs)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != lowID {
		t.Fatalf("Expected low-priority job %s second, got %+v", lowID, job)
	}
	ack(nil, nil)
}

func TestDelayedJobBecomesVisible(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{DelayMs: 150})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := b.GetJob(ctx, models.QueueJobs, id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.JobStateDelayed {
		t.Errorf("Expected delayed state, got %s", stored.State)
	}

	job, _, err := b.Receive(ctx, models.QueueJobs)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("Job should not be visible before its delay, got %s", job.ID)
	}

	time.Sleep(250 * time.Millisecond)

	job, ack, err := b.Receive(ctx, models.QueueJobs)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("Expected job %s after delay, got %+v", id, job)
	}
	ack(nil, nil)
}

func TestAckStoresResultAndPublishes(t *testing.T) {
	b, bus := newTestBroker(t, time.Minute)
	ctx := context.Background()

	sub := bus.Subscribe(interfaces.EventFilter{Types: []models.EventType{models.EventJobCompleted}}, 8)
	defer sub.Close()

	id, err := b.Enqueue(ctx, models.QueueJobs, "echo", map[string]interface{}{"userId": "user-1"}, models.JobOptions{})
	if err != nil {
		t.Fatal(err)
	}

	job, ack, err := b.Receive(ctx, models.QueueJobs)
	if err != nil || job == nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := ack(map[string]interface{}{"ok": true}, nil); err != nil {
		t.Fatal(err)
	}

	stored, err := b.GetJob(ctx, models.QueueJobs, id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.JobStateCompleted {
		t.Errorf("Expected completed, got %s", stored.State)
	}
	if stored.Result == nil {
		t.Error("Expected stored result")
	}
	if stored.FinishedAt == nil {
		t.Error("Expected finishedAt stamp")
	}

	select {
	case event := <-sub.C():
		if event.JobID != id || event.UserID != "user-1" {
			t.Errorf("Unexpected completed event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No completed event published")
	}
}

func TestRetryIncrementsAttempts(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{Attempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	job, _, err := b.Receive(ctx, models.QueueJobs)
	if err != nil || job == nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if job.AttemptsMade != 1 {
		t.Fatalf("Expected attemptsMade 1, got %d", job.AttemptsMade)
	}

	if err := b.RequeueForRetry(ctx, models.QueueJobs, id, "transient", 0); err != nil {
		t.Fatal(err)
	}

	job, _, err = b.Receive(ctx, models.QueueJobs)
	if err != nil || job == nil {
		t.Fatalf("Second receive failed: %v", err)
	}
	if job.AttemptsMade != 2 {
		t.Errorf("Expected attemptsMade 2, got %d", job.AttemptsMade)
	}
	if job.FailedReason != "transient" {
		t.Errorf("Expected retained failure reason, got %q", job.FailedReason)
	}
}

func TestRetryDelayKeepsJobInvisible(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{Attempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	if job, _, _ := b.Receive(ctx, models.QueueJobs); job == nil {
		t.Fatal("First receive returned nothing")
	}
	if err := b.RequeueForRetry(ctx, models.QueueJobs, id, "boom", 60_000); err != nil {
		t.Fatal(err)
	}

	job, _, err := b.Receive(ctx, models.QueueJobs)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("Retry backoff should keep job invisible, got %s", job.ID)
	}
}

func TestChildrenPromoteParent(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	parentID, err := b.EnqueueWaitingChildren(ctx, models.QueueFlows, "aggregate", map[string]interface{}{"userId": "u1"}, models.JobOptions{}, 2)
	if err != nil {
		t.Fatal(err)
	}

	stored, err := b.GetJob(ctx, models.QueueFlows, parentID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.JobStateWaitingChildren {
		t.Fatalf("Expected waiting-children, got %s", stored.State)
	}

	// Parent must not be dispatchable while held.
	if job, _, _ := b.Receive(ctx, models.QueueFlows); job != nil {
		t.Fatalf("Held parent was dispatched: %s", job.ID)
	}

	parent := models.JobRef{Queue: models.QueueFlows, ID: parentID}
	if err := b.NotifyChildDone(ctx, parent, "child-1", "result-1", ""); err != nil {
		t.Fatal(err)
	}
	if job, _, _ := b.Receive(ctx, models.QueueFlows); job != nil {
		t.Fatalf("Parent released before all children: %s", job.ID)
	}

	if err := b.NotifyChildDone(ctx, parent, "child-2", "result-2", ""); err != nil {
		t.Fatal(err)
	}

	job, ack, err := b.Receive(ctx, models.QueueFlows)
	if err != nil || job == nil {
		t.Fatalf("Parent not released after last child: %v", err)
	}
	if job.ID != parentID {
		t.Fatalf("Expected parent %s, got %s", parentID, job.ID)
	}

	results, ok := job.Payload["_childResults"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected injected child results, payload: %+v", job.Payload)
	}
	if results["child-1"] != "result-1" || results["child-2"] != "result-2" {
		t.Errorf("Unexpected child results: %+v", results)
	}
	ack(nil, nil)
}

func TestFailedChildFailsParent(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	parentID, err := b.EnqueueWaitingChildren(ctx, models.QueueFlows, "aggregate", nil, models.JobOptions{}, 2)
	if err != nil {
		t.Fatal(err)
	}

	parent := models.JobRef{Queue: models.QueueFlows, ID: parentID}
	if err := b.NotifyChildDone(ctx, parent, "child-1", nil, "exploded"); err != nil {
		t.Fatal(err)
	}

	stored, err := b.GetJob(ctx, models.QueueFlows, parentID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.JobStateFailed {
		t.Fatalf("Expected failed parent, got %s", stored.State)
	}
	if stored.FailedReason == "" {
		t.Error("Expected child failure reason on parent")
	}

	// Late sibling completion must not resurrect the parent.
	if err := b.NotifyChildDone(ctx, parent, "child-2", "late", ""); err != nil {
		t.Fatal(err)
	}
	stored, _ = b.GetJob(ctx, models.QueueFlows, parentID)
	if stored.State != models.JobStateFailed {
		t.Errorf("Parent resurrected after failure: %s", stored.State)
	}
}

func TestRemoveSignalsCancellation(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{})
	if err != nil {
		t.Fatal(err)
	}

	job, ack, err := b.Receive(ctx, models.QueueJobs)
	if err != nil || job == nil {
		t.Fatalf("Receive failed: %v", err)
	}

	done := b.Cancelled(models.QueueJobs, id)
	if err := b.Remove(ctx, models.QueueJobs, id); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancellation channel not closed on remove")
	}

	// The late ack of a removed job is discarded.
	if err := ack(map[string]interface{}{"late": true}, nil); err != nil {
		t.Fatalf("Late ack should be a no-op, got %v", err)
	}
	if _, err := b.GetJob(ctx, models.QueueJobs, id); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Fatalf("Expected NotFound after remove, got %v", err)
	}
}

func TestRemoveMissingJobReturnsNotFound(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)

	err := b.Remove(context.Background(), models.QueueJobs, "job_missing")
	if models.CodeOf(err) != models.ErrCodeNotFound {
		t.Fatalf("Expected NotFound, got %v", err)
	}
}

func TestMarkStuckAfterLeaseExpiry(t *testing.T) {
	b, _ := newTestBroker(t, 50*time.Millisecond)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if job, _, _ := b.Receive(ctx, models.QueueJobs); job == nil {
		t.Fatal("Receive returned nothing")
	}

	time.Sleep(120 * time.Millisecond)

	ids, err := b.MarkStuck(ctx, models.QueueJobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("Expected [%s] stuck, got %v", id, ids)
	}

	stored, err := b.GetJob(ctx, models.QueueJobs, id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.JobStateStuck {
		t.Errorf("Expected stuck, got %s", stored.State)
	}
}

func TestTerminalRetentionCaps(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{RemoveOnComplete: 1})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)

		job, ack, err := b.Receive(ctx, models.QueueJobs)
		if err != nil || job == nil {
			t.Fatalf("Receive %d failed: %v", i, err)
		}
		if err := ack(nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Only the most recent completion survives the cap.
	for _, id := range ids[:2] {
		if _, err := b.GetJob(ctx, models.QueueJobs, id); models.CodeOf(err) != models.ErrCodeNotFound {
			t.Errorf("Expected pruned job %s, got %v", id, err)
		}
	}
	if _, err := b.GetJob(ctx, models.QueueJobs, ids[2]); err != nil {
		t.Errorf("Most recent completion should survive: %v", err)
	}
}

func TestListByStateFiltersAndPaginates(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Enqueue(ctx, models.QueueJobs, "echo", nil, models.JobOptions{DelayMs: 60_000}); err != nil {
		t.Fatal(err)
	}

	page, err := b.ListByState(ctx, models.QueueJobs, models.ListJobsQuery{
		States: []models.JobState{models.JobStateWaiting},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Jobs) != 3 {
		t.Errorf("Expected 3 waiting jobs, got %d", len(page.Jobs))
	}

	page, err = b.ListByState(ctx, models.QueueJobs, models.ListJobsQuery{
		States: []models.JobState{models.JobStateDelayed},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Jobs) != 1 {
		t.Errorf("Expected 1 delayed job, got %d", len(page.Jobs))
	}

	page, err = b.ListByState(ctx, models.QueueJobs, models.ListJobsQuery{Page: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Jobs) != 2 {
		t.Errorf("Expected page of 2, got %d", len(page.Jobs))
	}
	if page.Pagination.Total != 4 {
		t.Errorf("Expected total 4, got %d", page.Pagination.Total)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t, time.Minute)
	ctx := context.Background()

	schedule := &models.Schedule{
		SchedulerID: "sched_abc",
		UserID:      "user-1",
		HandlerName: "echo",
		Queue:       models.QueueSched,
		Trigger:     models.ScheduleTrigger{EveryMs: 1000, Limit: 5},
		CreatedAt:   time.Now(),
	}
	if err := b.UpsertSchedule(ctx, schedule); err != nil {
		t.Fatal(err)
	}

	got, err := b.GetSchedule(ctx, "sched_abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.HandlerName != "echo" || got.UserID != "user-1" {
		t.Errorf("Unexpected schedule: %+v", got)
	}

	mine, err := b.ListSchedulesByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Errorf("Expected 1 schedule, got %d", len(mine))
	}
	theirs, err := b.ListSchedulesByUser(ctx, "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(theirs) != 0 {
		t.Errorf("Expected no schedules for other user, got %d", len(theirs))
	}

	if err := b.RemoveSchedule(ctx, "sched_abc"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.GetSchedule(ctx, "sched_abc"); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Fatalf("Expected NotFound after removal, got %v", err)
	}
}
