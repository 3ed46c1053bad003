package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

// TypeDeliver is the asynq task type for notification delivery.
const TypeDeliver = "notify:deliver"

// Payload is the queued form of one notification.
type Payload struct {
	TemplateID string                 `json:"template_id"`
	Recipient  string                 `json:"recipient"`
	Params     map[string]interface{} `json:"params"`
}

// Dispatcher sends notifications fire-and-forget. The engine never retries a
// dispatch and never lets a failed dispatch affect booking state; delivery is
// best-effort by contract.
type Dispatcher interface {
	Send(ctx context.Context, templateID, recipient string, params map[string]interface{}) error
}

// AsynqDispatcher hands notifications to the background worker's queue.
type AsynqDispatcher struct {
	client *asynq.Client
}

// NewAsynqDispatcher creates a Dispatcher backed by the task queue.
func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

// Send enqueues the notification on the low-priority queue. Enqueue failure
// is the only failure the caller sees; delivery failures stay in the worker.
func (d *AsynqDispatcher) Send(ctx context.Context, templateID, recipient string, params map[string]interface{}) error {
	payload, err := json.Marshal(Payload{TemplateID: templateID, Recipient: recipient, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}
	task := asynq.NewTask(TypeDeliver, payload)
	if _, err := d.client.EnqueueContext(ctx, task, asynq.Queue("low"), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("failed to enqueue notification %s for %s: %w", templateID, recipient, err)
	}
	return nil
}

// LoggingDispatcher logs notifications instead of delivering them. Used when
// no broker is configured and in tests.
type LoggingDispatcher struct{}

// Send logs the notification details.
func (d *LoggingDispatcher) Send(ctx context.Context, templateID, recipient string, params map[string]interface{}) error {
	log.Printf("--- Notification (logged) --- template=%s recipient=%s params=%v", templateID, recipient, params)
	return nil
}
