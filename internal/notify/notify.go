// Package notify delivers post-commit notices about documents. Delivery is
// best-effort: callers log failures and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"certification-pipeline/internal/telemetry"
)

// Kinds of notices.
const (
	KindAnchorConfirmed = "anchor_confirmed"
	KindAnchorFailed    = "anchor_failed"
)

// Notification describes one notice.
type Notification struct {
	Kind       string         `json:"kind"`
	DocumentID string         `json:"document_id"`
	AnchorID   string         `json:"anchor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// OutboxStore persists notices for a separate delivery process.
type OutboxStore interface {
	InsertNotification(ctx context.Context, documentID, anchorID, kind string, payload map[string]any) error
}

// Outbox writes notifications to the notifications table.
type Outbox struct {
	store OutboxStore
}

func NewOutbox(store OutboxStore) *Outbox { return &Outbox{store: store} }

func (o *Outbox) Notify(ctx context.Context, n Notification) error {
	err := o.store.InsertNotification(ctx, n.DocumentID, n.AnchorID, n.Kind, n.Payload)
	record(n.Kind, "outbox", err)
	return err
}

// Webhook POSTs notifications as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	err := w.post(ctx, n)
	record(n.Kind, "webhook", err)
	return err
}

func (w *Webhook) post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func record(kind, channel string, err error) {
	result := channel + "_ok"
	if err != nil {
		result = channel + "_error"
	}
	telemetry.NotificationsDelivered.WithLabelValues(kind, result).Inc()
}
