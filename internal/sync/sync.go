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

// Package sync implements the sync engine (C7): a single-writer event loop
// that fans published session/checkpoint events out to subscriptions,
// detects version conflicts, and resolves them.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/crypto"
	"github.com/corevault/workspacevault/internal/store"
)

// DefaultDrainInterval and DefaultInactiveTimeout match spec.md §6's
// documented configuration defaults.
const (
	DefaultDrainInterval   = 100 * time.Millisecond
	DefaultInactiveTimeout = 30 * time.Minute
)

// NotificationKind enumerates the typed output channel topics the engine
// emits on, replacing an inheritance-based event emitter (spec.md §9).
type NotificationKind string

const (
	NotifySubscriptionCreated NotificationKind = "subscription_created"
	NotifyEventDelivered      NotificationKind = "event_delivered"
	NotifyConflictDetected    NotificationKind = "conflict_detected"
	NotifyConflictResolved    NotificationKind = "conflict_resolved"
)

// Notification is a single item on the engine's observer channel.
type Notification struct {
	Kind         NotificationKind
	Subscription *corevault.Subscription
	Event        *corevault.SyncEvent
	Conflict     *corevault.Conflict
}

// SubscribeRequest is the input to Subscribe.
type SubscribeRequest struct {
	UserID      string
	SessionID   string
	WorkspaceID string
	EventTypes  []corevault.SubscriptionEventType
}

// PublishRequest is the input to PublishEvent. For session_updated events,
// Data should carry the caller's proposed new WorkspaceState bytes so that
// conflict detection/resolution has something concrete to reconcile.
type PublishRequest struct {
	Type        corevault.SubscriptionEventType
	SessionID   string
	UserID      string
	WorkspaceID string
	Data        any
}

// systemUserID marks events the engine itself originates (e.g. after
// resolving a conflict), as opposed to a real caller's user id.
const systemUserID = "system"

// Engine is a single-writer sync event loop: one instance per process, with
// its own pending queue, drained on a fixed interval.
type Engine struct {
	store           store.Store
	drainInterval   time.Duration
	inactiveTimeout time.Duration
	logger          logr.Logger

	notifications chan Notification

	mu            sync.Mutex
	subscriptions map[string]*corevault.Subscription
	pending       []*corevault.SyncEvent
	conflicts     map[string]*corevault.Conflict
	isProcessing  bool

	eventsPublished uint64
	eventsDelivered uint64
}

// New builds a sync Engine. drainInterval/inactiveTimeout <= 0 use the
// documented defaults.
func New(st store.Store, drainInterval, inactiveTimeout time.Duration, logger logr.Logger) *Engine {
	if drainInterval <= 0 {
		drainInterval = DefaultDrainInterval
	}
	if inactiveTimeout <= 0 {
		inactiveTimeout = DefaultInactiveTimeout
	}
	return &Engine{
		store:           st,
		drainInterval:   drainInterval,
		inactiveTimeout: inactiveTimeout,
		logger:          logger,
		notifications:   make(chan Notification, 256),
		subscriptions:   make(map[string]*corevault.Subscription),
		conflicts:       make(map[string]*corevault.Conflict),
	}
}

// Notifications returns the engine's observer channel. Reads are
// non-blocking from the engine's side: a full channel drops the
// notification being sent and logs, rather than stalling the drain loop.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifications
}

// Run starts the drain loop, ticking every drainInterval (100ms by
// default). It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain()
		}
	}
}

// drain atomically swaps the pending queue into a local batch and
// dispatches it. Re-entrancy is prevented by isProcessing: if a previous
// drain is somehow still running (e.g. a slow notify channel consumer
// backed the loop up), this tick is skipped.
func (e *Engine) drain() {
	e.mu.Lock()
	if e.isProcessing {
		e.mu.Unlock()
		return
	}
	e.isProcessing = true
	batch := e.pending
	e.pending = nil
	subs := make([]*corevault.Subscription, 0, len(e.subscriptions))
	for _, s := range e.subscriptions {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.isProcessing = false
		e.mu.Unlock()
	}()

	for _, event := range batch {
		for _, sub := range subs {
			if !deliverable(sub, event) {
				continue
			}
			e.mu.Lock()
			sub.LastActivity = time.Now()
			e.eventsDelivered++
			e.mu.Unlock()
			e.notify(Notification{Kind: NotifyEventDelivered, Subscription: sub, Event: event})
		}
	}
}

// deliverable applies spec.md §4.7's delivery filter plus the ownership
// exclusion that Subscription.Matches deliberately omits.
func deliverable(s *corevault.Subscription, e *corevault.SyncEvent) bool {
	return s.Matches(e) && e.UserID != s.UserID
}

// newID generates a random identifier, falling back to a timestamp-based
// one on the vanishingly rare case the OS RNG is unavailable.
func (e *Engine) newID(prefix string) string {
	id, err := crypto.RandomID(prefix)
	if err != nil {
		e.logger.Error(err, "random id generation failed, using fallback", "prefix", prefix)
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return id
}

func (e *Engine) notify(n Notification) {
	select {
	case e.notifications <- n:
	default:
		e.logger.Info("dropping notification, observer channel is full", "kind", n.Kind)
	}
}

// Subscribe registers a new subscription. An empty EventTypes defaults to
// {session_updated, checkpoint_created}.
func (e *Engine) Subscribe(req SubscribeRequest) (*corevault.Subscription, error) {
	types := make(map[corevault.SubscriptionEventType]struct{})
	if len(req.EventTypes) == 0 {
		types = corevault.DefaultSubscriptionEventTypes()
	} else {
		for _, t := range req.EventTypes {
			types[t] = struct{}{}
		}
	}

	id, err := crypto.RandomID("sub")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &corevault.Subscription{
		ID:           id,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		WorkspaceID:  req.WorkspaceID,
		EventTypes:   types,
		CreatedAt:    now,
		LastActivity: now,
	}

	e.mu.Lock()
	e.subscriptions[sub.ID] = sub
	e.mu.Unlock()

	e.notify(Notification{Kind: NotifySubscriptionCreated, Subscription: sub})
	return sub, nil
}

// Unsubscribe removes a subscription. Returns false if it did not exist.
func (e *Engine) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscriptions[id]; !ok {
		return false
	}
	delete(e.subscriptions, id)
	return true
}

// ActiveSubscriptions returns a snapshot of currently registered subscriptions.
func (e *Engine) ActiveSubscriptions() []*corevault.Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*corevault.Subscription, 0, len(e.subscriptions))
	for _, s := range e.subscriptions {
		out = append(out, s)
	}
	return out
}

// UnresolvedConflicts returns every conflict not yet resolved.
func (e *Engine) UnresolvedConflicts() []*corevault.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*corevault.Conflict
	for _, c := range e.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// CleanupInactive evicts subscriptions whose LastActivity is older than
// maxInactive (default 30 minutes when <= 0), returning the count removed.
func (e *Engine) CleanupInactive(maxInactive time.Duration) int {
	if maxInactive <= 0 {
		maxInactive = DefaultInactiveTimeout
	}
	cutoff := time.Now().Add(-maxInactive)

	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, s := range e.subscriptions {
		if s.LastActivity.Before(cutoff) {
			delete(e.subscriptions, id)
			removed++
		}
	}
	return removed
}

// PublishEvent assigns the event's version from the store's authoritative
// session version, persists the bumped version so the next publish on the
// same session observes it, detects a version_mismatch conflict for
// session_updated events, and enqueues the event for the next drain.
func (e *Engine) PublishEvent(ctx context.Context, req PublishRequest) (*corevault.SyncEvent, error) {
	current, err := e.store.GetSessionVersion(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	id, err := crypto.RandomID("evt")
	if err != nil {
		return nil, err
	}

	newVersion := current + 1
	if _, err := e.store.UpdateSession(ctx, req.SessionID, store.SessionPatch{Version: &newVersion}); err != nil {
		return nil, err
	}

	event := &corevault.SyncEvent{
		ID:          id,
		Type:        req.Type,
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		Data:        req.Data,
		Timestamp:   time.Now(),
		Version:     newVersion,
	}

	e.mu.Lock()
	e.eventsPublished++
	e.pending = append(e.pending, event)
	e.mu.Unlock()

	if req.Type == corevault.EventSessionUpdated {
		e.detectConflict(ctx, event)
	}

	return event, nil
}

// detectConflict implements spec.md §4.7's conflict detection: fetch the
// current session; if the event's version is already stale relative to it,
// record a version_mismatch Conflict and emit conflict_detected.
func (e *Engine) detectConflict(ctx context.Context, event *corevault.SyncEvent) {
	session, err := e.store.GetSession(ctx, event.SessionID)
	if err != nil {
		return
	}
	if event.Version >= session.Version {
		return
	}

	conflict := &corevault.Conflict{
		ID:            e.newID("conflict"),
		SessionID:     event.SessionID,
		Field:         "workspaceState",
		Type:          corevault.ConflictVersionMismatch,
		LocalVersion:  event.Version,
		RemoteVersion: session.Version,
		LocalData:     event.Data,
		RemoteData:    session.WorkspaceState,
		Timestamp:     time.Now(),
	}

	e.mu.Lock()
	e.conflicts[conflict.ID] = conflict
	conflictEvent := &corevault.SyncEvent{
		ID:          e.newID("evt"),
		Type:        corevault.EventConflictDetected,
		SessionID:   event.SessionID,
		UserID:      systemUserID,
		WorkspaceID: event.WorkspaceID,
		Data:        conflict,
		Timestamp:   time.Now(),
		Version:     session.Version,
	}
	e.pending = append(e.pending, conflictEvent)
	e.mu.Unlock()

	e.notify(Notification{Kind: NotifyConflictDetected, Event: event, Conflict: conflict})
}

// ResolveConflict applies resolution to a recorded conflict, writes the
// resolution state back to the store with version = max(local, remote),
// emits a system-sourced session_updated event, and marks the conflict
// resolved.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution corevault.ConflictResolution) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[conflictID]
	e.mu.Unlock()
	if !ok {
		return corevault.ErrNotFound
	}

	resolvedBytes := resolveConflictBytes(conflict, resolution)
	version := conflict.LocalVersion
	if conflict.RemoteVersion > version {
		version = conflict.RemoteVersion
	}
	checksum := crypto.Hash(resolvedBytes)
	now := time.Now()

	_, err := e.store.UpdateSession(ctx, conflict.SessionID, store.SessionPatch{
		WorkspaceState: resolvedBytes,
		StateChecksum:  &checksum,
		Version:        &version,
		LastSavedAt:    &now,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	conflict.Resolved = true
	conflict.Resolution = resolution
	e.pending = append(e.pending, &corevault.SyncEvent{
		ID:        e.newID("evt"),
		Type:      corevault.EventSessionUpdated,
		SessionID: conflict.SessionID,
		UserID:    systemUserID,
		Data:      resolvedBytes,
		Timestamp: now,
		Version:   version,
	})
	e.mu.Unlock()

	e.notify(Notification{Kind: NotifyConflictResolved, Conflict: conflict})
	return nil
}

func resolveConflictBytes(conflict *corevault.Conflict, resolution corevault.ConflictResolution) []byte {
	remote, _ := conflict.RemoteData.([]byte)
	local, _ := conflict.LocalData.([]byte)

	switch resolution {
	case corevault.ResolutionLocalWins:
		if local != nil {
			return local
		}
		return remote
	case corevault.ResolutionMerge:
		merged, err := mergeLocalIntoRemote(local, remote)
		if err != nil {
			return remote
		}
		return merged
	default: // ResolutionRemoteWins and anything unrecognized
		return remote
	}
}

// mergeLocalIntoRemote deep-merges local JSON object bytes into remote:
// keys only in local are added; shared object-valued keys recurse; scalar
// collisions keep the remote value.
func mergeLocalIntoRemote(local, remote []byte) ([]byte, error) {
	var localMap, remoteMap map[string]any
	if err := json.Unmarshal(remote, &remoteMap); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(local, &localMap); err != nil {
		return nil, err
	}
	merged := deepMerge(remoteMap, localMap)
	return json.Marshal(merged)
}

func deepMerge(base, other map[string]any) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, ov := range other {
		bv, exists := merged[k]
		if !exists {
			merged[k] = ov
			continue
		}
		bMap, bIsMap := bv.(map[string]any)
		oMap, oIsMap := ov.(map[string]any)
		if bIsMap && oIsMap {
			merged[k] = deepMerge(bMap, oMap)
		}
		// scalar collision: keep the existing (remote/base) value.
	}
	return merged
}
