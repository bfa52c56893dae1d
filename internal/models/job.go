package models

import (
	"time"
)

// JobState represents a job's position in its lifecycle.
type JobState string

const (
	JobStateWaiting         JobState = "waiting"
	JobStateDelayed         JobState = "delayed"
	JobStateWaitingChildren JobState = "waiting-children"
	JobStateActive          JobState = "active"
	JobStateCompleted       JobState = "completed"
	JobStateFailed          JobState = "failed"
	JobStatePaused          JobState = "paused"
	JobStateStuck           JobState = "stuck"
)

// AllJobStates is the canonical filter set accepted by ListJobs.
var AllJobStates = []JobState{
	JobStateCompleted,
	JobStateFailed,
	JobStateDelayed,
	JobStateActive,
	JobStateWaiting,
	JobStateWaitingChildren,
	JobStatePaused,
	JobStateStuck,
}

// ParseJobState validates a status filter against the canonical set.
func ParseJobState(s string) (JobState, error) {
	for _, state := range AllJobStates {
		if string(state) == s {
			return state, nil
		}
	}
	return "", ErrInvalidStatus(s)
}

// IsTerminal reports whether the state holds a final outcome. Stuck jobs are
// terminal: the broker does not resurrect them.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateStuck
}

// JobOptions are submission-time knobs. Priority is advisory within a user's
// jobs; attempts counts total executions, not retries.
type JobOptions struct {
	Priority         int   `json:"priority,omitempty" validate:"omitempty,min=1,max=100"`
	Attempts         int   `json:"attempts,omitempty" validate:"omitempty,min=1"`
	DelayMs          int64 `json:"delayMs,omitempty" validate:"omitempty,min=0"`
	RemoveOnComplete int   `json:"removeOnComplete,omitempty" validate:"omitempty,min=0"`
	RemoveOnFail     int   `json:"removeOnFail,omitempty" validate:"omitempty,min=0"`
}

// Normalize fills defaults for zero-valued options.
func (o *JobOptions) Normalize() {
	if o.Priority == 0 {
		o.Priority = 1
	}
	if o.Attempts == 0 {
		o.Attempts = 1
	}
}

// Job is the broker-owned execution record. Payload is an opaque map that by
// convention carries "userId", optional "flowId", and "_flowMetadata".
type Job struct {
	ID           string                 `json:"id"`
	Queue        string                 `json:"queue"`
	HandlerName  string                 `json:"handlerName"`
	Payload      map[string]interface{} `json:"payload"`
	Options      JobOptions             `json:"options"`
	State        JobState               `json:"state"`
	AttemptsMade int                    `json:"attemptsMade"`
	Progress     interface{}            `json:"progress,omitempty"`
	Result       interface{}            `json:"result,omitempty"`
	FailedReason string                 `json:"failedReason,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	VisibleAt    time.Time              `json:"visibleAt"`
	ProcessedAt  *time.Time             `json:"processedAt,omitempty"`
	FinishedAt   *time.Time             `json:"finishedAt,omitempty"`

	// ChildCount is the number of children a waiting-children parent is held
	// on. Zero for ordinary jobs.
	ChildCount int `json:"childCount,omitempty"`
}

// JobRef identifies a job across queues.
type JobRef struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

// UserID extracts the owning user from the payload, empty when absent.
func (j *Job) UserID() string {
	if j.Payload == nil {
		return ""
	}
	if id, ok := j.Payload["userId"].(string); ok {
		return id
	}
	return ""
}

// FlowID extracts the flow membership marker from the payload, empty when the
// job is not part of a flow.
func (j *Job) FlowID() string {
	if j.Payload == nil {
		return ""
	}
	if id, ok := j.Payload["flowId"].(string); ok {
		return id
	}
	return ""
}

// ListJobsQuery captures pagination and filtering for ListJobs.
type ListJobsQuery struct {
	States  []JobState
	Page    int
	Limit   int
	SortBy  string // createdAt | finishedAt | priority
	SortDir string // asc | desc
}

// Pagination describes a page of a larger result set.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// JobPage is a page of jobs plus its pagination envelope.
type JobPage struct {
	Jobs       []*Job     `json:"jobs"`
	Pagination Pagination `json:"pagination"`
}
