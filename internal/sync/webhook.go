/*
Copyright 2025.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// DefaultWebhookTimeout bounds a single webhook delivery call, per
// spec.md §5's "webhook deliveries (if present) enforce a per-call
// timeout".
const DefaultWebhookTimeout = 5 * time.Second

// webhookPayload is the JSON body posted for each delivered notification.
type webhookPayload struct {
	Kind           NotificationKind `json:"kind"`
	SubscriptionID string           `json:"subscriptionId,omitempty"`
	Event          *webhookEvent    `json:"event,omitempty"`
}

type webhookEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Version     uint64 `json:"version"`
}

// WebhookSink delivers engine notifications to an external HTTP endpoint.
// It is an optional side-channel: a failed or slow delivery never blocks
// the engine's own event loop, since the sink reads from a buffered
// Notifications() channel independently.
type WebhookSink struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  logr.Logger
}

// NewWebhookSink builds a WebhookSink that POSTs to url with a per-call
// timeout (default DefaultWebhookTimeout when timeout <= 0).
func NewWebhookSink(url string, timeout time.Duration, logger logr.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// Run reads notifications from ch until ctx is cancelled or ch is closed,
// delivering each of kind NotifyEventDelivered as a webhook POST. Delivery
// failures are logged, never retried or escalated -- webhook delivery is
// best-effort by design.
func (w *WebhookSink) Run(ctx context.Context, ch <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Kind != NotifyEventDelivered {
				continue
			}
			w.deliver(ctx, n)
		}
	}
}

func (w *WebhookSink) deliver(ctx context.Context, n Notification) {
	payload := webhookPayload{Kind: n.Kind}
	if n.Subscription != nil {
		payload.SubscriptionID = n.Subscription.ID
	}
	if n.Event != nil {
		payload.Event = &webhookEvent{
			ID:          n.Event.ID,
			Type:        string(n.Event.Type),
			SessionID:   n.Event.SessionID,
			WorkspaceID: n.Event.WorkspaceID,
			Version:     n.Event.Version,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error(err, "marshaling webhook payload")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error(err, "building webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error(err, "webhook delivery failed", "url", w.url)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Info("webhook delivery returned non-2xx", "url", w.url, "status", resp.StatusCode)
	}
}
