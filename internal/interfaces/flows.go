package interfaces

import (
	"context"

	"github.com/ternarybob/conduit/internal/models"
)

// CreateFlowInput is the submission shape for a new flow.
type CreateFlowInput struct {
	Flowname  string                 `json:"flowname" validate:"required"`
	RootName  string                 `json:"rootName" validate:"required"`
	RootQueue string                 `json:"rootQueue" validate:"required"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Opts      models.JobOptions      `json:"opts,omitempty"`
	Children  []*models.FlowNode     `json:"children,omitempty"`
}

// FlowService owns flow life-cycle: creation, progress aggregation, status
// roll-up, deletion. Updates for one flow are serialised by a per-flowId
// lock; different flows proceed in parallel.
type FlowService interface {
	CreateFlow(ctx context.Context, principal *models.Principal, input *CreateFlowInput) (*models.Flow, error)
	GetFlow(ctx context.Context, principal *models.Principal, flowID string) (*models.Flow, error)
	ListFlows(ctx context.Context, principal *models.Principal) ([]*models.Flow, error)

	// UpdateProgress is worker-internal: workers invoke it on terminal
	// member-job outcomes regardless of queue.
	UpdateProgress(ctx context.Context, flowID, jobID string, update *models.FlowProgressUpdate) error

	DeleteFlow(ctx context.Context, principal *models.Principal, flowID string) (*models.FlowDeletionReport, error)

	// RunFlow re-enqueues the flow's root tree.
	RunFlow(ctx context.Context, principal *models.Principal, flowID string) (*models.Flow, error)
}
