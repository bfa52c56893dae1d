package models

import "time"

// FlowStatus is the aggregate status rolled up from member jobs.
type FlowStatus string

const (
	FlowStatusPending   FlowStatus = "pending"
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
	FlowStatusCancelled FlowStatus = "cancelled"
)

// FlowNode is one node of the submitted DAG tree. Children run before their
// parent; child return values are offered to the parent as child results.
type FlowNode struct {
	Name     string                 `json:"name"`
	Queue    string                 `json:"queue"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Opts     JobOptions             `json:"opts,omitempty"`
	Children []*FlowNode            `json:"children,omitempty"`
}

// CountNodes returns the total node count of the tree rooted at n.
func (n *FlowNode) CountNodes() int {
	if n == nil {
		return 0
	}
	total := 1
	for _, c := range n.Children {
		total += c.CountNodes()
	}
	return total
}

// FlowJobEntry is the tracked terminal/active record for one member job.
type FlowJobEntry struct {
	HandlerName string      `json:"handlerName"`
	QueueName   string      `json:"queueName"`
	Status      JobState    `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// FlowSummary holds per-state counts across the flow.
// Invariant: sum of state counts plus Waiting equals Total.
type FlowSummary struct {
	Total           int `json:"total"`
	Waiting         int `json:"waiting"`
	Active          int `json:"active"`
	Delayed         int `json:"delayed"`
	WaitingChildren int `json:"waitingChildren"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Stuck           int `json:"stuck"`
	Percentage      int `json:"percentage"`
}

// Counted returns the sum of all tracked state counts (everything but Waiting).
func (s *FlowSummary) Counted() int {
	return s.Active + s.Delayed + s.WaitingChildren + s.Completed + s.Failed + s.Stuck
}

// FlowProgress is the mutable JSON document stored on the flow row.
type FlowProgress struct {
	Jobs    map[string]*FlowJobEntry `json:"jobs"`
	Summary FlowSummary              `json:"summary"`
}

// NewFlowProgress initialises progress for a flow of total nodes, all waiting.
func NewFlowProgress(total int) *FlowProgress {
	return &FlowProgress{
		Jobs:    make(map[string]*FlowJobEntry),
		Summary: FlowSummary{Total: total, Waiting: total},
	}
}

// Flow is the persisted aggregate for a DAG of jobs submitted together.
// JobStructure is immutable after creation; Progress is mutated only by the
// flow coordinator.
type Flow struct {
	FlowID       string        `json:"flowId" badgerhold:"key"`
	UserID       string        `json:"userId" badgerhold:"index"`
	Flowname     string        `json:"flowname"`
	RootName     string        `json:"rootName"`
	RootQueue    string        `json:"rootQueue"`
	RootJobID    string        `json:"rootJobId,omitempty"`
	JobStructure *FlowNode     `json:"jobStructure"`
	Status       FlowStatus    `json:"status"`
	Progress     *FlowProgress `json:"progress"`
	Result       interface{}   `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// FlowProgressUpdate is what workers report for a member job's outcome.
type FlowProgressUpdate struct {
	Status      JobState    `json:"status"`
	HandlerName string      `json:"handlerName"`
	QueueName   string      `json:"queueName"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// FlowDeletionDetail records the removal outcome for one member job.
type FlowDeletionDetail struct {
	JobID     string `json:"jobId"`
	QueueName string `json:"queueName"`
	Status    string `json:"status"` // success | not_found | failed
	Error     string `json:"error,omitempty"`
}

// FlowDeletionReport aggregates best-effort member removal during DeleteFlow.
type FlowDeletionReport struct {
	Total      int                  `json:"total"`
	Successful int                  `json:"successful"`
	Failed     []string             `json:"failed"`
	Details    []FlowDeletionDetail `json:"details"`
}
