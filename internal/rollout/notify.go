package rollout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// EventKind distinguishes notification events.
type EventKind string

const (
	EventRolledBack EventKind = "rolled_back"
	EventCompleted  EventKind = "completed"
)

// Event is the payload delivered to the notification sink when a rollout
// reaches a terminal state.
type Event struct {
	Kind      EventKind `json:"kind"`
	RolloutID string    `json:"rollout_id"`
	FlagKey   string    `json:"flag_key"`
	Reason    string    `json:"reason,omitempty"`
	Stage     int       `json:"stage"`
}

// NotificationSink receives terminal rollout events. Implementations are
// backed by an external chat or alerting integration.
type NotificationSink interface {
	Notify(ctx context.Context, event Event) error
}

// LogSink writes notifications to the structured log. It is the fallback when
// no webhook is configured.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, event Event) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	log.WarnContext(ctx, "rollout notification",
		"kind", string(event.Kind),
		"rollout_id", event.RolloutID,
		"flag", event.FlagKey,
		"stage", event.Stage,
		"reason", event.Reason,
	)
	return nil
}

const webhookTimeout = 5 * time.Second

// WebhookSink posts Slack-compatible JSON messages to a webhook URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (s WebhookSink) Notify(ctx context.Context, event Event) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}

	text := fmt.Sprintf("rollout %s for flag %q %s at stage %d", event.RolloutID, event.FlagKey, event.Kind, event.Stage)
	if event.Reason != "" {
		text += ": " + event.Reason
	}

	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}

	return nil
}
