package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// DeliveryHandlerName is the registry name of the delivery executor.
const DeliveryHandlerName = "webhookDelivery"

// DeliveryHandler POSTs a webhook body to its target URL. Non-2xx responses
// and transport errors are returned as WebhookDeliveryFailed so the broker
// retries the delivery job; the error never reaches the originating job.
type DeliveryHandler struct {
	client *http.Client
}

// NewDeliveryHandler builds the executor with the given request timeout.
func NewDeliveryHandler(timeout time.Duration) *DeliveryHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DeliveryHandler{
		client: &http.Client{Timeout: timeout},
	}
}

func (h *DeliveryHandler) Name() string {
	return DeliveryHandlerName
}

func (h *DeliveryHandler) Execute(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	url, _ := job.Payload["url"].(string)
	if url == "" {
		return nil, models.ErrInvalidInput("delivery payload missing url", nil)
	}

	body, err := json.Marshal(job.Payload["body"])
	if err != nil {
		return nil, models.ErrInvalidInput("delivery payload not serialisable", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, models.ErrWebhookDeliveryFailed(fmt.Sprintf("building request for %s", url), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "conduit-webhook/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, models.ErrWebhookDeliveryFailed(fmt.Sprintf("posting to %s", url), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, models.ErrWebhookDeliveryFailed(fmt.Sprintf("%s responded %d", url, resp.StatusCode), nil)
	}

	return map[string]interface{}{
		"url":    url,
		"status": resp.StatusCode,
	}, nil
}
