package webhooks

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// Dispatcher turns job events into webhook delivery jobs. Deliveries are
// ordinary jobs on the webhooks queue so they get the broker's durability and
// retry behaviour; a delivery that exhausts its attempts fails quietly and
// never touches the job that triggered it.
type Dispatcher struct {
	storage     interfaces.StorageManager
	broker      interfaces.Broker
	logger      arbor.ILogger
	maxAttempts int

	sub  interfaces.Subscription
	done chan struct{}
}

// NewDispatcher subscribes to job events and starts the dispatch loop.
func NewDispatcher(bus interfaces.EventBus, broker interfaces.Broker, storage interfaces.StorageManager, maxAttempts int, logger arbor.ILogger) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	d := &Dispatcher{
		storage:     storage,
		broker:      broker,
		logger:      logger,
		maxAttempts: maxAttempts,
		done:        make(chan struct{}),
	}

	d.sub = bus.Subscribe(interfaces.EventFilter{
		Types: []models.EventType{
			models.EventJobProgress,
			models.EventJobDelta,
			models.EventJobCompleted,
			models.EventJobFailed,
		},
	}, 256)

	common.SafeGo(logger, "webhook-dispatcher", func() {
		d.consume()
	})

	return d
}

// Close stops the dispatch loop. In-flight delivery jobs keep running.
func (d *Dispatcher) Close() {
	d.sub.Close()
	close(d.done)
}

func (d *Dispatcher) consume() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.sub.C():
			if !ok {
				return
			}
			d.dispatch(event)
		}
	}
}

// dispatch fans one job event out to every matching registration. Events on
// the webhooks queue are the deliveries themselves and are never re-matched.
func (d *Dispatcher) dispatch(event models.Event) {
	if event.Queue == models.QueueWebhooks || event.UserID == "" {
		return
	}

	body := buildPayload(event)
	ctx := context.Background()

	hooks, err := d.storage.Webhooks().ListMatching(ctx, event.UserID, models.WebhookEventType(event.Type))
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", event.UserID).Msg("Webhook lookup failed")
		return
	}

	for _, hook := range hooks {
		d.enqueueDelivery(ctx, hook.URL, event, body)
	}

	// Users without registrations can still set a single URL on their
	// profile; it only ever receives completions.
	if len(hooks) == 0 && event.Type == models.EventJobCompleted {
		user, err := d.storage.Users().Get(ctx, event.UserID)
		if err == nil && user.WebhookURL != "" {
			d.enqueueDelivery(ctx, user.WebhookURL, event, body)
		}
	}
}

func (d *Dispatcher) enqueueDelivery(ctx context.Context, url string, event models.Event, body *models.WebhookPayload) {
	// The body shape follows the event kind: progress/delta carry progress,
	// completed carries result, failed carries error. Inapplicable keys are
	// left out entirely.
	bodyMap := map[string]interface{}{
		"id":        body.ID,
		"jobname":   body.Jobname,
		"userId":    body.UserID,
		"eventType": body.EventType,
	}
	if body.Progress != nil {
		bodyMap["progress"] = body.Progress
	}
	if body.Result != nil {
		bodyMap["result"] = body.Result
	}
	if body.Error != "" {
		bodyMap["error"] = body.Error
	}

	payload := map[string]interface{}{
		"userId": event.UserID,
		"url":    url,
		"body":   bodyMap,
	}

	opts := models.JobOptions{Attempts: d.maxAttempts}
	jobID, err := d.broker.Enqueue(ctx, models.QueueWebhooks, DeliveryHandlerName, payload, opts)
	if err != nil {
		d.logger.Warn().Err(err).Str("url", url).Msg("Webhook delivery enqueue failed")
		return
	}

	d.logger.Debug().
		Str("job_id", jobID).
		Str("url", url).
		Str("event_type", string(event.Type)).
		Msg("Webhook delivery enqueued")
}

// buildPayload shapes the outbound POST body per event kind.
func buildPayload(event models.Event) *models.WebhookPayload {
	body := &models.WebhookPayload{
		ID:        event.JobID,
		Jobname:   event.HandlerName,
		UserID:    event.UserID,
		EventType: string(event.Type),
	}

	switch event.Type {
	case models.EventJobProgress, models.EventJobDelta:
		body.Progress = event.Payload
	case models.EventJobCompleted:
		body.Result = event.Payload
	case models.EventJobFailed:
		body.Error = failureReason(event.Payload)
	}

	return body
}

func failureReason(payload interface{}) string {
	switch v := payload.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["error"].(string); ok {
			return msg
		}
	}
	return "job failed"
}
