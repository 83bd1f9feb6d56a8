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
	gocontext "context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corevault/workspacevault/internal/corevault"
)

func TestWebhookSink_Run_DeliversEventDeliveredNotifications(t *testing.T) {
	var received webhookPayload
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, logr.Discard())
	ch := make(chan Notification, 1)
	done := make(chan struct{})
	go func() {
		sink.Run(t.Context(), ch)
		close(done)
	}()

	ch <- Notification{
		Kind:         NotifyEventDelivered,
		Subscription: &corevault.Subscription{ID: "sub-1"},
		Event: &corevault.SyncEvent{
			ID:          "evt-1",
			Type:        corevault.EventSessionUpdated,
			SessionID:   "sess-1",
			WorkspaceID: "ws-1",
			Version:     3,
		},
	}
	close(ch)
	<-done

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, NotifyEventDelivered, received.Kind)
	assert.Equal(t, "sub-1", received.SubscriptionID)
	require.NotNil(t, received.Event)
	assert.Equal(t, "evt-1", received.Event.ID)
	assert.Equal(t, string(corevault.EventSessionUpdated), received.Event.Type)
	assert.Equal(t, "sess-1", received.Event.SessionID)
	assert.Equal(t, "ws-1", received.Event.WorkspaceID)
	assert.EqualValues(t, 3, received.Event.Version)
}

func TestWebhookSink_Run_SkipsNonDeliveredNotifications(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, logr.Discard())
	ch := make(chan Notification, 2)
	done := make(chan struct{})
	go func() {
		sink.Run(t.Context(), ch)
		close(done)
	}()

	ch <- Notification{Kind: NotifySubscriptionCreated, Subscription: &corevault.Subscription{ID: "sub-1"}}
	ch <- Notification{Kind: NotifyConflictDetected}
	close(ch)
	<-done

	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestWebhookSink_Run_ServerErrorDoesNotBlockOrPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, logr.Discard())
	ch := make(chan Notification, 1)
	done := make(chan struct{})
	go func() {
		sink.Run(t.Context(), ch)
		close(done)
	}()

	ch <- Notification{Kind: NotifyEventDelivered, Event: &corevault.SyncEvent{ID: "evt-1"}}
	close(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestWebhookSink_Run_UnreachableEndpointDoesNotBlockOrPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	unreachable := srv.URL
	srv.Close()

	sink := NewWebhookSink(unreachable, 200*time.Millisecond, logr.Discard())
	ch := make(chan Notification, 1)
	done := make(chan struct{})
	go func() {
		sink.Run(t.Context(), ch)
		close(done)
	}()

	ch <- Notification{Kind: NotifyEventDelivered, Event: &corevault.SyncEvent{ID: "evt-1"}}
	close(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestWebhookSink_Run_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second, logr.Discard())
	ctx, cancel := gocontext.WithCancel(t.Context())
	ch := make(chan Notification)
	done := make(chan struct{})
	go func() {
		sink.Run(ctx, ch)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewWebhookSink_NonPositiveTimeoutUsesDefault(t *testing.T) {
	sink := NewWebhookSink("http://example.invalid", 0, logr.Discard())
	assert.Equal(t, DefaultWebhookTimeout, sink.timeout)
}
