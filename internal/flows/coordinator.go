package flows

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

const maxFlowDepth = 100

// Coordinator owns the flow life-cycle: creation, progress aggregation,
// status roll-up, deletion. Member-job outcomes arrive over the event bus;
// updates for one flow serialise on a per-flowId lock.
type Coordinator struct {
	storage interfaces.FlowStorage
	broker  interfaces.Broker
	bus     interfaces.EventBus
	logger  arbor.ILogger
	allowed func(string) bool
	locks   *lockMap
	sub     interfaces.Subscription
}

// NewCoordinator creates the coordinator and starts consuming terminal job
// events for flow members.
func NewCoordinator(storage interfaces.FlowStorage, broker interfaces.Broker, bus interfaces.EventBus, allowed func(string) bool, logger arbor.ILogger) *Coordinator {
	c := &Coordinator{
		storage: storage,
		broker:  broker,
		bus:     bus,
		logger:  logger,
		allowed: allowed,
		locks:   newLockMap(),
	}

	c.sub = bus.Subscribe(interfaces.EventFilter{
		Types: []models.EventType{models.EventJobCompleted, models.EventJobFailed},
	}, 256)
	go c.consumeEvents()

	return c
}

// consumeEvents folds terminal member-job events into flow progress. Retry
// attempt failures (final=false) are not terminal and are skipped.
func (c *Coordinator) consumeEvents() {
	for event := range c.sub.C() {
		if event.FlowID == "" {
			continue
		}

		update := updateFromEvent(event)
		if update == nil {
			continue
		}

		if err := c.UpdateProgress(context.Background(), event.FlowID, event.JobID, update); err != nil {
			// Events for deleted flows are expected noise.
			if !errors.Is(err, models.ErrNotFound("", nil)) {
				c.logger.Warn().Err(err).
					Str("flow_id", event.FlowID).
					Str("job_id", event.JobID).
					Msg("Flow progress update failed")
			}
		}
	}
}

func updateFromEvent(event models.Event) *models.FlowProgressUpdate {
	update := &models.FlowProgressUpdate{
		HandlerName: event.HandlerName,
		QueueName:   event.Queue,
	}

	switch event.Type {
	case models.EventJobCompleted:
		update.Status = models.JobStateCompleted
		update.Result = event.Payload
	case models.EventJobFailed:
		update.Status = models.JobStateFailed
		switch payload := event.Payload.(type) {
		case string:
			update.Error = payload
		case map[string]interface{}:
			if final, ok := payload["final"].(bool); ok && !final {
				return nil
			}
			if msg, ok := payload["error"].(string); ok {
				update.Error = msg
			}
			if stuck, ok := payload["stuck"].(bool); ok && stuck {
				update.Status = models.JobStateStuck
			}
		}
	default:
		return nil
	}

	return update
}

// CreateFlow validates and persists a new flow, then submits its job tree.
// Children are submitted after their waiting-children parent so every child
// carries a parent reference; children still execute first.
func (c *Coordinator) CreateFlow(ctx context.Context, principal *models.Principal, input *interfaces.CreateFlowInput) (*models.Flow, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	if input == nil || input.Flowname == "" || input.RootName == "" || input.RootQueue == "" {
		return nil, models.ErrInvalidInput("flowname, rootName and rootQueue are required", nil)
	}

	root := &models.FlowNode{
		Name:     input.RootName,
		Queue:    input.RootQueue,
		Data:     input.Data,
		Opts:     input.Opts,
		Children: input.Children,
	}

	if err := validateTree(root, c.allowed); err != nil {
		return nil, err
	}

	now := time.Now()
	total := root.CountNodes()
	flow := &models.Flow{
		FlowID:       common.NewFlowID(),
		UserID:       principal.UserID,
		Flowname:     input.Flowname,
		RootName:     input.RootName,
		RootQueue:    input.RootQueue,
		JobStructure: root,
		Status:       models.FlowStatusPending,
		Progress:     models.NewFlowProgress(total),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.storage.Upsert(ctx, flow); err != nil {
		return nil, err
	}

	if err := c.submitTree(ctx, flow); err != nil {
		flow.Status = models.FlowStatusFailed
		flow.Error = err.Error()
		flow.UpdatedAt = time.Now()
		if serr := c.storage.Upsert(ctx, flow); serr != nil {
			c.logger.Error().Err(serr).Str("flow_id", flow.FlowID).Msg("Failed to record flow submission failure")
		}
		return nil, err
	}

	return flow, nil
}

// submitTree enqueues the flow's job tree and transitions it to running.
func (c *Coordinator) submitTree(ctx context.Context, flow *models.Flow) error {
	rootJobID, err := c.submitNode(ctx, flow, flow.JobStructure, nil, "")
	if err != nil {
		return err
	}

	now := time.Now()
	flow.RootJobID = rootJobID
	flow.Status = models.FlowStatusRunning
	flow.StartedAt = &now
	flow.UpdatedAt = now
	if err := c.storage.Upsert(ctx, flow); err != nil {
		return err
	}

	c.bus.Publish(models.Event{
		Type:      models.EventFlowUpdated,
		FlowID:    flow.FlowID,
		UserID:    flow.UserID,
		Payload:   map[string]interface{}{"status": flow.Status, "rootJobId": rootJobID},
		Timestamp: time.Now(),
	})
	return nil
}

func (c *Coordinator) submitNode(ctx context.Context, flow *models.Flow, node *models.FlowNode, parentRef map[string]interface{}, parentName string) (string, error) {
	payload := make(map[string]interface{}, len(node.Data)+4)
	for k, v := range node.Data {
		payload[k] = v
	}
	if _, ok := payload["userId"]; !ok {
		payload["userId"] = flow.UserID
	}
	payload["flowId"] = flow.FlowID
	payload["_flowMetadata"] = map[string]interface{}{
		"flowId":     flow.FlowID,
		"parentName": parentName,
		"injectedAt": time.Now().Format(time.RFC3339Nano),
	}
	if parentRef != nil {
		payload["_parentRef"] = parentRef
	}

	var jobID string
	var err error
	if len(node.Children) > 0 {
		jobID, err = c.broker.EnqueueWaitingChildren(ctx, node.Queue, node.Name, payload, node.Opts, len(node.Children))
	} else {
		jobID, err = c.broker.Enqueue(ctx, node.Queue, node.Name, payload, node.Opts)
	}
	if err != nil {
		return "", err
	}

	selfRef := map[string]interface{}{"queue": node.Queue, "id": jobID}
	for _, child := range node.Children {
		if _, err := c.submitNode(ctx, flow, child, selfRef, node.Name); err != nil {
			return "", err
		}
	}

	return jobID, nil
}

// validateTree rejects cycles, shared nodes, excess depth, and queues
// outside the whitelist before anything is persisted.
func validateTree(root *models.FlowNode, allowed func(string) bool) error {
	visited := make(map[*models.FlowNode]bool)

	var walk func(node *models.FlowNode, depth int) error
	walk = func(node *models.FlowNode, depth int) error {
		if node == nil {
			return models.ErrInvalidInput("flow node must not be null", nil)
		}
		if depth > maxFlowDepth {
			return models.ErrInvalidInput(fmt.Sprintf("flow tree exceeds maximum depth %d", maxFlowDepth), nil)
		}
		if visited[node] {
			return models.ErrInvalidInput("flow structure contains a cycle", nil)
		}
		visited[node] = true

		if node.Name == "" {
			return models.ErrInvalidInput("every flow node needs a name", nil)
		}
		if node.Queue == "" {
			return models.ErrInvalidInput(fmt.Sprintf("flow node %q needs a queue", node.Name), nil)
		}
		if allowed != nil && !allowed(node.Queue) {
			return models.ErrInvalidQueue(node.Queue)
		}

		for _, child := range node.Children {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	return walk(root, 1)
}

// GetFlow returns a flow owned by the principal.
func (c *Coordinator) GetFlow(ctx context.Context, principal *models.Principal, flowID string) (*models.Flow, error) {
	flow, err := c.storage.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(flow, principal); err != nil {
		return nil, err
	}
	return flow, nil
}

// ListFlows returns the principal's flows.
func (c *Coordinator) ListFlows(ctx context.Context, principal *models.Principal) ([]*models.Flow, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	return c.storage.ListByUser(ctx, principal.UserID)
}

// UpdateProgress folds one member-job outcome into the flow's aggregate
// progress under the per-flow lock, recomputes the summary, rolls up status,
// and publishes flow events.
func (c *Coordinator) UpdateProgress(ctx context.Context, flowID, jobID string, update *models.FlowProgressUpdate) error {
	if update == nil {
		return models.ErrInvalidInput("progress update is required", nil)
	}

	lock := c.locks.acquire(flowID)
	defer c.locks.release(flowID, lock)

	flow, err := c.storage.Get(ctx, flowID)
	if err != nil {
		return err
	}

	if flow.Progress == nil {
		flow.Progress = models.NewFlowProgress(0)
	}
	if flow.Progress.Jobs == nil {
		flow.Progress.Jobs = make(map[string]*models.FlowJobEntry)
	}

	entry := &models.FlowJobEntry{
		HandlerName: update.HandlerName,
		QueueName:   update.QueueName,
		Status:      update.Status,
		Result:      update.Result,
		Error:       update.Error,
	}
	if update.Status.IsTerminal() {
		now := time.Now()
		entry.CompletedAt = &now
	}
	flow.Progress.Jobs[jobID] = entry

	recomputeSummary(flow.Progress)

	summary := &flow.Progress.Summary
	if summary.Counted()+summary.Waiting != summary.Total {
		c.logger.Warn().
			Str("flow_id", flowID).
			Int("counted", summary.Counted()).
			Int("waiting", summary.Waiting).
			Int("total", summary.Total).
			Msg("Flow summary invariant violated")
	}

	previousStatus := flow.Status
	flow.Status = rollUpStatus(flow.Progress)
	flow.UpdatedAt = time.Now()

	if jobID == flow.RootJobID {
		if update.Status == models.JobStateCompleted {
			flow.Result = update.Result
		}
	}
	if flow.Status == models.FlowStatusFailed && flow.Error == "" && update.Error != "" {
		flow.Error = update.Error
	}
	if (flow.Status == models.FlowStatusCompleted || flow.Status == models.FlowStatusFailed) && flow.CompletedAt == nil {
		now := time.Now()
		flow.CompletedAt = &now
	}

	if err := c.storage.Upsert(ctx, flow); err != nil {
		return err
	}

	c.bus.Publish(models.Event{
		Type:      models.EventFlowUpdated,
		FlowID:    flowID,
		UserID:    flow.UserID,
		JobID:     jobID,
		Payload:   flow.Progress.Summary,
		Timestamp: time.Now(),
	})
	if flow.Status == models.FlowStatusCompleted && previousStatus != models.FlowStatusCompleted {
		c.bus.Publish(models.Event{
			Type:      models.EventFlowCompleted,
			FlowID:    flowID,
			UserID:    flow.UserID,
			Payload:   flow.Result,
			Timestamp: time.Now(),
		})
	}

	return nil
}

// recomputeSummary tallies tracked jobs and derives waiting and percentage.
func recomputeSummary(progress *models.FlowProgress) {
	summary := models.FlowSummary{Total: progress.Summary.Total}

	for _, entry := range progress.Jobs {
		switch entry.Status {
		case models.JobStateActive:
			summary.Active++
		case models.JobStateDelayed:
			summary.Delayed++
		case models.JobStateWaitingChildren:
			summary.WaitingChildren++
		case models.JobStateCompleted:
			summary.Completed++
		case models.JobStateStuck:
			summary.Stuck++
		default:
			summary.Failed++
		}
	}

	waiting := summary.Total - len(progress.Jobs)
	if waiting < 0 {
		waiting = 0
	}
	summary.Waiting = waiting

	if summary.Total > 0 {
		summary.Percentage = int(math.Round(100 * float64(summary.Completed) / float64(summary.Total)))
	}

	progress.Summary = summary
}

// rollUpStatus derives the aggregate flow status from tracked member jobs.
func rollUpStatus(progress *models.FlowProgress) models.FlowStatus {
	summary := progress.Summary
	switch {
	case summary.Failed > 0 || summary.Stuck > 0:
		return models.FlowStatusFailed
	case summary.Completed == summary.Total && summary.Waiting == 0:
		return models.FlowStatusCompleted
	case len(progress.Jobs) > 0:
		return models.FlowStatusRunning
	default:
		return models.FlowStatusPending
	}
}

// DeleteFlow removes every member job best-effort, deletes the flow row
// unconditionally, and returns the per-job report.
func (c *Coordinator) DeleteFlow(ctx context.Context, principal *models.Principal, flowID string) (*models.FlowDeletionReport, error) {
	flow, err := c.storage.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(flow, principal); err != nil {
		return nil, err
	}

	lock := c.locks.acquire(flowID)
	defer c.locks.release(flowID, lock)

	// Root id first, then every tracked member, deduplicated.
	jobIDs := make([]string, 0, len(flow.Progress.Jobs)+1)
	seen := make(map[string]bool)
	if flow.RootJobID != "" {
		jobIDs = append(jobIDs, flow.RootJobID)
		seen[flow.RootJobID] = true
	}
	for jobID := range flow.Progress.Jobs {
		if !seen[jobID] {
			jobIDs = append(jobIDs, jobID)
			seen[jobID] = true
		}
	}

	report := &models.FlowDeletionReport{Total: len(jobIDs), Failed: []string{}}

	for _, jobID := range jobIDs {
		queue := c.resolveQueue(flow, jobID)

		detail := models.FlowDeletionDetail{JobID: jobID, QueueName: queue}
		err := c.broker.Remove(ctx, queue, jobID)
		switch {
		case err == nil:
			detail.Status = "success"
			report.Successful++
		case errors.Is(err, models.ErrNotFound("", nil)):
			detail.Status = "not_found"
			report.Failed = append(report.Failed, jobID)
		default:
			detail.Status = "failed"
			detail.Error = err.Error()
			report.Failed = append(report.Failed, jobID)
		}
		report.Details = append(report.Details, detail)
	}

	if err := c.storage.Delete(ctx, flowID); err != nil {
		return nil, err
	}

	c.bus.Publish(models.Event{
		Type:      models.EventFlowDeleted,
		FlowID:    flowID,
		UserID:    flow.UserID,
		Payload:   report,
		Timestamp: time.Now(),
	})

	return report, nil
}

// resolveQueue prefers the tracked member's queue, falls back to the root
// queue for the root id, then to the flow queue.
func (c *Coordinator) resolveQueue(flow *models.Flow, jobID string) string {
	if entry, ok := flow.Progress.Jobs[jobID]; ok && entry.QueueName != "" {
		return entry.QueueName
	}
	if jobID == flow.RootJobID && flow.RootQueue != "" {
		return flow.RootQueue
	}
	return models.QueueFlows
}

// RunFlow re-submits the flow's immutable job structure, resetting progress.
func (c *Coordinator) RunFlow(ctx context.Context, principal *models.Principal, flowID string) (*models.Flow, error) {
	flow, err := c.storage.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(flow, principal); err != nil {
		return nil, err
	}

	lock := c.locks.acquire(flowID)
	defer c.locks.release(flowID, lock)

	flow.Progress = models.NewFlowProgress(flow.JobStructure.CountNodes())
	flow.Result = nil
	flow.Error = ""
	flow.CompletedAt = nil
	flow.Status = models.FlowStatusPending

	if err := c.submitTree(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Close detaches the coordinator from the bus.
func (c *Coordinator) Close() {
	if c.sub != nil {
		c.sub.Close()
	}
}

func checkOwnership(flow *models.Flow, principal *models.Principal) error {
	if principal == nil {
		return models.ErrUnauthorised("authentication required")
	}
	if flow.UserID != principal.UserID {
		return models.ErrUnauthorised("flow belongs to another user")
	}
	return nil
}
