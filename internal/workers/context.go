package workers

import (
	"context"
	"time"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// jobContext is the per-invocation surface handed to a handler. Progress
// values are persisted on the job record and published on the bus in emission
// order; numeric values become progress events, structured values become
// delta events.
type jobContext struct {
	job    *models.Job
	broker interfaces.Broker
	bus    interfaces.EventBus
	done   <-chan struct{}
}

func newJobContext(job *models.Job, broker interfaces.Broker, bus interfaces.EventBus) *jobContext {
	return &jobContext{
		job:    job,
		broker: broker,
		bus:    bus,
		done:   broker.Cancelled(job.Queue, job.ID),
	}
}

func (c *jobContext) UpdateProgress(value interface{}) error {
	if err := c.broker.UpdateProgress(context.Background(), c.job.Queue, c.job.ID, value); err != nil {
		return err
	}

	eventType := models.EventJobProgress
	if !isNumeric(value) {
		eventType = models.EventJobDelta
	}
	c.bus.Publish(models.Event{
		Type:        eventType,
		Queue:       c.job.Queue,
		JobID:       c.job.ID,
		UserID:      c.job.UserID(),
		FlowID:      c.job.FlowID(),
		HandlerName: c.job.HandlerName,
		Payload:     value,
		Timestamp:   time.Now(),
	})
	return nil
}

func (c *jobContext) Done() <-chan struct{} {
	return c.done
}

func (c *jobContext) ChildResults() map[string]interface{} {
	if c.job.Payload == nil {
		return nil
	}
	if results, ok := c.job.Payload["_childResults"].(map[string]interface{}); ok {
		return results
	}
	return nil
}

func isNumeric(value interface{}) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
