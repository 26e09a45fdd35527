// Package notify delivers approval lifecycle events to humans.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
)

// LogNotifier writes events to the structured log. Always the innermost
// fallback so an approval is never silently created.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, kind approval.NotifyKind, item approval.Item) error {
	log.Info().
		Str("kind", string(kind)).
		Str("request_id", item.RequestID).
		Str("status", string(item.Status)).
		Str("description", item.Description).
		Msg("approval event")
	return nil
}

// WebhookNotifier POSTs events as JSON to a configured endpoint, e.g. a
// Slack-compatible incoming webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Kind        string `json:"kind"`
	RequestID   string `json:"request_id"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Category    string `json:"category"`
	DecidedBy   string `json:"decided_by,omitempty"`
	Text        string `json:"text"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, kind approval.NotifyKind, item approval.Item) error {
	payload := webhookPayload{
		Kind:        string(kind),
		RequestID:   item.RequestID,
		Status:      string(item.Status),
		Description: item.Description,
		Category:    item.Category,
		DecidedBy:   item.DecidedBy,
		Text:        summarize(kind, item),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func summarize(kind approval.NotifyKind, item approval.Item) string {
	id := shortID(item.RequestID)
	switch kind {
	case approval.NotifyPending:
		return fmt.Sprintf("Approval needed: %s (id %s)", item.Description, id)
	case approval.NotifyDecided:
		return fmt.Sprintf("Request %s %s by %s", id, item.Status, item.DecidedBy)
	case approval.NotifyCompleted:
		return fmt.Sprintf("Request %s execution %s", id, item.CompletionStatus)
	default:
		return fmt.Sprintf("Approval event %s for %s", kind, id)
	}
}

// shortID trims a request id for display. IDs are normally 64-char hashes,
// but items built elsewhere may carry shorter ones.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Fanout delivers to every notifier, collecting failures without stopping.
type Fanout []approval.Notifier

func (f Fanout) Notify(ctx context.Context, kind approval.NotifyKind, item approval.Item) error {
	var firstErr error
	for _, n := range f {
		if err := n.Notify(ctx, kind, item); err != nil {
			log.Warn().Err(err).Str("request_id", item.RequestID).Msg("notifier failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
