package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podushkina/taskpilot/internal/logger"
)

const DefaultTimeout = 5 * time.Second

// Dispatcher delivers lifecycle events to matching subscriptions.
// Delivery is best-effort, fire-and-forget and at most once per event
// per subscription; it runs off the worker's critical path and failures
// only produce a log line.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	wg       sync.WaitGroup
}

func NewDispatcher(registry *Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
	}
}

// Trigger fans the event out to the user's active subscriptions whose
// event type matches exactly. It returns as soon as deliveries are
// spawned.
func (d *Dispatcher) Trigger(ctx context.Context, userID, eventType string, payload map[string]any) {
	subs, err := d.registry.List(ctx, userID)
	if err != nil {
		logger.Warn("webhook lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	for _, sub := range subs {
		if !sub.Active || sub.EventType != eventType {
			continue
		}

		d.wg.Add(1)
		go func(sub Subscription) {
			defer d.wg.Done()
			if _, err := d.Deliver(sub, eventType, payload); err != nil {
				logger.Warn("webhook delivery failed",
					zap.String("user_id", userID),
					zap.String("url", sub.URL),
					zap.String("event_type", eventType),
					zap.Error(err))
			}
		}(sub)
	}
}

// Deliver posts one event to one subscription and returns the response
// status code. The payload is sent merged with the event type and a
// timestamp. Used directly by the webhook test endpoint.
func (d *Dispatcher) Deliver(sub Subscription, eventType string, payload map[string]any) (int, error) {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event_type"] = eventType
	body["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := d.client.Post(sub.URL, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Wait blocks until in-flight deliveries finish. Called at shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
