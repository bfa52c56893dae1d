package interfaces

import (
	"context"

	"github.com/ternarybob/conduit/internal/models"
)

// AckFunc finalises a received job. Exactly one call per receive: done with a
// result, or failed with a reason. Requeue decisions belong to the caller.
type AckFunc func(result interface{}, execErr error) error

// Broker is the durable storage-and-dispatch primitive shared by all job
// kinds. Guarantees: durable-across-restart state, at-least-once delivery,
// single consumer at a time per job, delayed visibility for DelayMs and
// scheduled next-fires.
type Broker interface {
	// Enqueue stores a job on the named queue and makes it dispatchable once
	// any delay elapses. Returns the broker-assigned job id.
	Enqueue(ctx context.Context, queue, handlerName string, payload map[string]interface{}, opts models.JobOptions) (string, error)

	// EnqueueWaitingChildren stores a parent job held in waiting-children
	// until childCount children report a terminal state. Children are
	// enqueued afterwards carrying a _parentRef back to this job.
	EnqueueWaitingChildren(ctx context.Context, queue, handlerName string, payload map[string]interface{}, opts models.JobOptions, childCount int) (string, error)

	// NotifyChildDone records a child outcome against its parent. When the
	// last child completes the parent is promoted to waiting with child
	// results injected into its payload; a failed child fails the parent.
	NotifyChildDone(ctx context.Context, parent models.JobRef, childID string, result interface{}, childErr string) error

	// Receive claims the next visible waiting job, transitioning it to
	// active. Returns nil job when the queue is idle.
	Receive(ctx context.Context, queue string) (*models.Job, AckFunc, error)

	// RequeueForRetry reschedules a received job for another attempt at
	// visibleAt, instead of finalising it.
	RequeueForRetry(ctx context.Context, queue, jobID string, failedReason string, delayMs int64) error

	GetJob(ctx context.Context, queue, jobID string) (*models.Job, error)
	ListByState(ctx context.Context, queue string, query models.ListJobsQuery) (*models.JobPage, error)

	// Remove deletes a job. Removing an active job signals cooperative
	// cancellation to its running handler.
	Remove(ctx context.Context, queue, jobID string) error

	// UpdateProgress persists the latest progress value on the job record.
	UpdateProgress(ctx context.Context, queue, jobID string, progress interface{}) error

	// Cancelled exposes the cancellation signal for an active job.
	Cancelled(queue, jobID string) <-chan struct{}

	// Schedule storage lives in the broker's durable store.
	UpsertSchedule(ctx context.Context, schedule *models.Schedule) error
	GetSchedule(ctx context.Context, schedulerID string) (*models.Schedule, error)
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
	ListSchedulesByUser(ctx context.Context, userID string) ([]*models.Schedule, error)
	RemoveSchedule(ctx context.Context, schedulerID string) error

	// MarkStuck sweeps active jobs whose claim lease expired. Returns the ids
	// transitioned to stuck.
	MarkStuck(ctx context.Context, queue string) ([]string, error)

	Close() error
}
