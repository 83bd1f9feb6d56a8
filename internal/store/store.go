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

// Package store defines the narrow Store Adapter interface the core
// depends on (spec.md §6) and an in-memory reference implementation. The
// interface is intentionally abstract over the durable backend: the core
// never assumes Postgres, Redis, or any particular row store.
package store

import (
	"context"
	"time"

	"github.com/corevault/workspacevault/internal/corevault"
)

// SessionFilter narrows ListSessions/CountSessions.
type SessionFilter struct {
	UserID      string
	WorkspaceID string
	IsActive    *bool
	Limit       int
	Offset      int
}

// CheckpointFilter narrows ListCheckpoints/CountCheckpoints. CountCheckpoints
// applies SessionID only; it does not filter by Tags.
type CheckpointFilter struct {
	SessionID string
	Tags      []string
	Limit     int
	Offset    int
}

// SessionPage is a page of Session results plus the total matching count.
type SessionPage struct {
	Items []*corevault.Session
	Total int
}

// CheckpointPage is a page of Checkpoint results plus the total matching count.
type CheckpointPage struct {
	Items []*corevault.Checkpoint
	Total int
}

// SessionPatch describes a partial update to a Session row. Nil fields are
// left unchanged.
type SessionPatch struct {
	WorkspaceState  []byte
	StateChecksum   *string
	Version         *uint64
	LastSavedAt     *time.Time
	ExpiresAt       *time.Time
	IsActive        *bool
	EncryptedKeyRef *string
}

// UserKeyPatch describes a partial update to a UserKey row. Nil fields are
// left unchanged; Metadata (when non-nil) is merged key-by-key.
type UserKeyPatch struct {
	LastUsedAt         *time.Time
	IsActive           *bool
	DeactivatedAt      *time.Time
	DeactivationReason *string
	PreviousKeyID      *string
	RotationReason     *string
	Metadata           map[string]string
}

// Store is the required capability set of spec.md §6. All operations are
// atomic per row; no cross-row transactions are required of implementations.
type Store interface {
	GetSession(ctx context.Context, id string) (*corevault.Session, error)
	PutSession(ctx context.Context, s *corevault.Session) error
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*corevault.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) (*SessionPage, error)
	CountSessions(ctx context.Context, filter SessionFilter) (int, error)

	GetCheckpoint(ctx context.Context, id string) (*corevault.Checkpoint, error)
	ListCheckpoints(ctx context.Context, filter CheckpointFilter) (*CheckpointPage, error)
	PutCheckpoint(ctx context.Context, c *corevault.Checkpoint) error
	DeleteCheckpoint(ctx context.Context, id string) error
	CountCheckpoints(ctx context.Context, filter CheckpointFilter) (int, error)

	GetUserKey(ctx context.Context, userID, keyID string) (*corevault.UserKey, error)
	ListUserKeys(ctx context.Context, userID string, includeInactive bool) ([]*corevault.UserKey, error)
	PutUserKey(ctx context.Context, k *corevault.UserKey) error
	UpdateUserKey(ctx context.Context, userID, keyID string, patch UserKeyPatch) (*corevault.UserKey, error)
	DeleteUserKey(ctx context.Context, userID, keyID string) error

	// GetSessionVersion returns the current version of a session without
	// fetching its (potentially large) encrypted payload. Used by the sync
	// engine to assign the next event version.
	GetSessionVersion(ctx context.Context, sessionID string) (uint64, error)

	Close() error
}
