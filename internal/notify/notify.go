// Package notify delivers rollback events to a pluggable list of channels.
//
// Delivery failures are isolated per channel: each is caught and logged,
// never propagated, so one broken webhook cannot suppress the others or
// abort the rollback that produced the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// Channel receives structured rollback events.
type Channel interface {
	// Name identifies the channel in logs.
	Name() string

	// Send delivers one event. Errors are logged by the notifier, not
	// returned to the caller of Broadcast.
	Send(ctx context.Context, event models.RollbackEvent) error
}

// Notifier fans an event out to every registered channel.
type Notifier struct {
	channels []Channel
}

// NewNotifier creates a Notifier over the given channels.
func NewNotifier(channels ...Channel) *Notifier {
	return &Notifier{channels: channels}
}

// Register appends a channel to the fan-out list.
func (n *Notifier) Register(ch Channel) {
	n.channels = append(n.channels, ch)
}

// Broadcast delivers the event to all channels. Each channel's failure is
// logged independently; Broadcast never fails.
func (n *Notifier) Broadcast(ctx context.Context, event models.RollbackEvent) {
	for _, ch := range n.channels {
		if err := ch.Send(ctx, event); err != nil {
			log.Printf("notify: warning: channel %s failed to deliver %s for %s: %v",
				ch.Name(), event.EventType, event.Namespace, err)
		}
	}
}

// LogChannel writes events to the process log. Always registered so every
// rollback leaves a trace even with no external channels configured.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(ctx context.Context, event models.RollbackEvent) error {
	log.Printf("notify: rollback event %s for namespace %s (trigger=%s details=%v)",
		event.EventType, event.Namespace, event.Trigger, event.Details)
	return nil
}

// WebhookChannel POSTs events as JSON to a configured URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a WebhookChannel with a bounded request timeout.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, event models.RollbackEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post to %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook %s returned status %d", w.url, resp.StatusCode)
	}
	return nil
}
