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

// Package corevault holds the shared data model for the workspace session
// core: keys, sessions, checkpoints, subscriptions, sync events and
// conflicts. Components depend on these types rather than on each other's
// packages directly.
package corevault

import "time"

// Envelope is the canonical at-rest encrypted record. Its JSON shape is
// stable across implementations: algorithm name, base64 IV, base64 salt
// (empty when the envelope wraps a key that already carries its own salt),
// and base64 ciphertext.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	IV         string `json:"iv"`
	Salt       string `json:"salt,omitempty"`
	Ciphertext string `json:"ciphertext"`
}

// UserKey represents one encryption identity belonging to a user. The
// wrapped session key is the only persisted secret; the master key derived
// from the user's password is never stored.
type UserKey struct {
	UserID  string
	KeyID   string
	KeyName string

	WrappedSessionKey Envelope
	Salt              string
	IV                string
	KDFAlgorithm      string
	KDFIterations     int
	CipherAlgorithm   string

	IsActive           bool
	CreatedAt          time.Time
	LastUsedAt         time.Time
	ExpiresAt          time.Time
	DeactivatedAt      time.Time
	DeactivationReason string

	Metadata         map[string]string
	PreviousKeyID    string
	RotationReason   string
}

// Clone returns a deep copy so callers can freely mutate the result without
// affecting the stored record.
func (k *UserKey) Clone() *UserKey {
	if k == nil {
		return nil
	}
	cp := *k
	if k.Metadata != nil {
		cp.Metadata = make(map[string]string, len(k.Metadata))
		for kk, v := range k.Metadata {
			cp.Metadata[kk] = v
		}
	}
	return &cp
}

// IsExpired reports whether the key's expiry has passed.
func (k *UserKey) IsExpired() bool {
	return !k.ExpiresAt.IsZero() && time.Now().After(k.ExpiresAt)
}

// IsNearExpiry reports whether the key expires within the given window.
func (k *UserKey) IsNearExpiry(window time.Duration) bool {
	if k.ExpiresAt.IsZero() {
		return false
	}
	now := time.Now()
	return !now.After(k.ExpiresAt) && !now.Add(window).Before(k.ExpiresAt)
}

// TerminalEntry is one recorded terminal command/output pair.
type TerminalEntry struct {
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	Output    string            `json:"output,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	IsActive  bool              `json:"isActive,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BrowserTab is one open browser tab. Tabs are keyed by (URL, Title) rather
// than an opaque id because the upstream browser provider does not mint one.
type BrowserTab struct {
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	IsActive  bool              `json:"isActive,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AIConversationEntry is one recorded AI conversation turn.
type AIConversationEntry struct {
	ID        string            `json:"id"`
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OpenFileEntry is one file the workspace had open.
type OpenFileEntry struct {
	ID              string            `json:"id"`
	Path            string            `json:"path"`
	HasUnsaved      bool              `json:"hasUnsavedChanges,omitempty"`
	CursorLine      int               `json:"cursorLine,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// WorkspaceState is the logical document persisted (encrypted) inside a
// Session or Checkpoint.
type WorkspaceState struct {
	TerminalState []TerminalEntry       `json:"terminalState"`
	BrowserTabs   []BrowserTab          `json:"browserTabs"`
	AIState       []AIConversationEntry `json:"aiState"`
	FileState     []OpenFileEntry       `json:"fileState"`
	Config        map[string]any        `json:"config,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// Session is the persisted container for a workspace's encrypted state.
type Session struct {
	ID              string
	UserID          string
	WorkspaceID     string
	Name            string
	WorkspaceState  []byte // wrapped/serialized bytes, as persisted
	StateChecksum   string
	Version         uint64
	LastSavedAt     time.Time
	ExpiresAt       time.Time
	EncryptedKeyRef string
	IsActive        bool
}

// CheckpointPriority is the priority level recorded on a Checkpoint.
type CheckpointPriority string

const (
	PriorityLow    CheckpointPriority = "low"
	PriorityMedium CheckpointPriority = "medium"
	PriorityHigh   CheckpointPriority = "high"
)

// Checkpoint is an immutable named snapshot of a Session's workspace state.
type Checkpoint struct {
	ID                string
	SessionID         string
	Name              string
	Description       string
	WorkspaceState    []byte
	StateChecksum     string
	CompressedSize    int64
	UncompressedSize  int64
	Priority          CheckpointPriority
	Tags              []string
	IsAutoGenerated   bool
	CreatedAt         time.Time
	Metadata          map[string]string
}

// SubscriptionEventType enumerates the kinds of events a Subscription can
// request delivery of.
type SubscriptionEventType string

const (
	EventSessionCreated    SubscriptionEventType = "session_created"
	EventSessionUpdated    SubscriptionEventType = "session_updated"
	EventSessionDeleted    SubscriptionEventType = "session_deleted"
	EventCheckpointCreated SubscriptionEventType = "checkpoint_created"
	EventCheckpointDeleted SubscriptionEventType = "checkpoint_deleted"
	EventConflictDetected  SubscriptionEventType = "conflict_detected"
)

// DefaultSubscriptionEventTypes is the default set a Subscription receives
// when none is specified.
func DefaultSubscriptionEventTypes() map[SubscriptionEventType]struct{} {
	return map[SubscriptionEventType]struct{}{
		EventSessionUpdated:    {},
		EventCheckpointCreated: {},
	}
}

// Subscription is an ephemeral, in-memory interest registration.
type Subscription struct {
	ID           string
	UserID       string
	SessionID    string // optional filter, empty means "any"
	WorkspaceID  string // optional filter, empty means "any"
	EventTypes   map[SubscriptionEventType]struct{}
	CreatedAt    time.Time
	LastActivity time.Time
}

// Matches reports whether the subscription's filters accept the event,
// per spec.md §4.7's delivery filter (ownership exclusion is intentionally
// NOT part of Matches -- see deliverable in package sync).
func (s *Subscription) Matches(e *SyncEvent) bool {
	if _, ok := s.EventTypes[e.Type]; !ok {
		return false
	}
	if s.SessionID != "" && s.SessionID != e.SessionID {
		return false
	}
	if s.WorkspaceID != "" && s.WorkspaceID != e.WorkspaceID {
		return false
	}
	return true
}

// SyncEvent is a single versioned mutation fanned out to subscriptions.
type SyncEvent struct {
	ID          string
	Type        SubscriptionEventType
	SessionID   string
	UserID      string
	WorkspaceID string
	Data        any
	Timestamp   time.Time
	Version     uint64
}

// ConflictType enumerates why a Conflict was recorded.
type ConflictType string

const (
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictDataCorruption   ConflictType = "data_corruption"
	ConflictVersionMismatch  ConflictType = "version_mismatch"
)

// ConflictResolution enumerates how a Conflict was (or should be) resolved.
type ConflictResolution string

const (
	ResolutionLocalWins  ConflictResolution = "local_wins"
	ResolutionRemoteWins ConflictResolution = "remote_wins"
	ResolutionMerge      ConflictResolution = "merge"
)

// Conflict records a detected version mismatch or content divergence
// pending resolution.
type Conflict struct {
	ID            string
	SessionID     string
	Field         string
	Type          ConflictType
	LocalVersion  uint64
	RemoteVersion uint64
	LocalData     any
	RemoteData    any
	Timestamp     time.Time
	Resolved      bool
	Resolution    ConflictResolution
}

// RotationTaskState enumerates the lifecycle of a background rotation task.
type RotationTaskState string

const (
	RotationPending   RotationTaskState = "pending"
	RotationRunning   RotationTaskState = "running"
	RotationCompleted RotationTaskState = "completed"
	RotationFailed    RotationTaskState = "failed"
	RotationCancelled RotationTaskState = "cancelled"
)

// RotationProgress tracks how much of a rotation task's migration work is done.
type RotationProgress struct {
	SessionsTotal     int
	SessionsDone      int
	CheckpointsTotal  int
	CheckpointsDone   int
}

// RotationTask tracks an in-flight (or finished) key rotation.
type RotationTask struct {
	ID          string
	UserID      string
	OldKeyID    string
	NewKeyID    string
	State       RotationTaskState
	Progress    RotationProgress
	ScheduledAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Errors      []string
}
