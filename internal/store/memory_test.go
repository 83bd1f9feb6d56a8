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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corevault/workspacevault/internal/corevault"
)

func newTestSession(id, userID string) *corevault.Session {
	return &corevault.Session{
		ID:             id,
		UserID:         userID,
		WorkspaceID:    "ws-1",
		Name:           "dev box",
		WorkspaceState: []byte("cipherbytes"),
		StateChecksum:  "deadbeef",
		Version:        1,
		LastSavedAt:    time.Now(),
		IsActive:       true,
	}
}

func TestMemoryStore_PutAndGetSession(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession("sess-1", "user-1")))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, uint64(1), got.Version)
}

func TestMemoryStore_GetSession_NotFound(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	_, err := s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, corevault.ErrNotFound)
}

func TestMemoryStore_PutSession_DeepCopiesOnRead(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	orig := newTestSession("sess-1", "user-1")
	require.NoError(t, s.PutSession(ctx, orig))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	got.WorkspaceState[0] = 'X'

	got2, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, got.WorkspaceState, got2.WorkspaceState)
}

func TestMemoryStore_UpdateSession_PartialPatch(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession("sess-1", "user-1")))

	newVersion := uint64(2)
	updated, err := s.UpdateSession(ctx, "sess-1", SessionPatch{Version: &newVersion})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
	assert.Equal(t, "dev box", updated.Name) // untouched field preserved
}

func TestMemoryStore_UpdateSession_NotFound(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	_, err := s.UpdateSession(context.Background(), "missing", SessionPatch{})
	require.ErrorIs(t, err, corevault.ErrNotFound)
}

func TestMemoryStore_DeleteSession(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession("sess-1", "user-1")))
	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	_, err := s.GetSession(ctx, "sess-1")
	require.ErrorIs(t, err, corevault.ErrNotFound)

	err = s.DeleteSession(ctx, "sess-1")
	require.ErrorIs(t, err, corevault.ErrNotFound)
}

func TestMemoryStore_ListSessions_FiltersAndPaginates(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sess := newTestSession(string(rune('a'+i)), "user-1")
		require.NoError(t, s.PutSession(ctx, sess))
	}
	inactive := newTestSession("inactive-1", "user-1")
	inactive.IsActive = false
	require.NoError(t, s.PutSession(ctx, inactive))

	active := true
	page, err := s.ListSessions(ctx, SessionFilter{UserID: "user-1", IsActive: &active, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Items, 2)

	count, err := s.CountSessions(ctx, SessionFilter{UserID: "user-1", IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestMemoryStore_CheckpointCRUD(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	cp := &corevault.Checkpoint{
		ID:             "cp-1",
		SessionID:      "sess-1",
		Name:           "before-migration",
		WorkspaceState: []byte("payload"),
		Tags:           []string{"manual"},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.PutCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "before-migration", got.Name)

	page, err := s.ListCheckpoints(ctx, CheckpointFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	require.NoError(t, s.DeleteCheckpoint(ctx, "cp-1"))
	_, err = s.GetCheckpoint(ctx, "cp-1")
	require.ErrorIs(t, err, corevault.ErrNotFound)
}

func TestMemoryStore_PutCheckpoint_RejectsDuplicateName(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	first := &corevault.Checkpoint{ID: "cp-1", SessionID: "sess-1", Name: "nightly", CreatedAt: time.Now()}
	require.NoError(t, s.PutCheckpoint(ctx, first))

	second := &corevault.Checkpoint{ID: "cp-2", SessionID: "sess-1", Name: "nightly", CreatedAt: time.Now()}
	err := s.PutCheckpoint(ctx, second)
	require.ErrorIs(t, err, corevault.ErrPolicyViolation)
}

func TestMemoryStore_UserKeyCRUD(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	k := &corevault.UserKey{UserID: "user-1", KeyID: "key-1", KeyName: "primary", IsActive: true, CreatedAt: time.Now()}
	require.NoError(t, s.PutUserKey(ctx, k))

	got, err := s.GetUserKey(ctx, "user-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "primary", got.KeyName)

	keys, err := s.ListUserKeys(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	deactivatedAt := time.Now()
	reason := "rotated"
	isActive := false
	updated, err := s.UpdateUserKey(ctx, "user-1", "key-1", UserKeyPatch{
		IsActive:           &isActive,
		DeactivatedAt:      &deactivatedAt,
		DeactivationReason: &reason,
	})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, "rotated", updated.DeactivationReason)

	keys, err = s.ListUserKeys(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.ListUserKeys(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, s.DeleteUserKey(ctx, "user-1", "key-1"))
	_, err = s.GetUserKey(ctx, "user-1", "key-1")
	require.ErrorIs(t, err, corevault.ErrNotFound)
}

func TestMemoryStore_PutUserKey_RejectsDuplicateActiveName(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	first := &corevault.UserKey{UserID: "user-1", KeyID: "key-1", KeyName: "primary", IsActive: true}
	require.NoError(t, s.PutUserKey(ctx, first))

	second := &corevault.UserKey{UserID: "user-1", KeyID: "key-2", KeyName: "primary", IsActive: true}
	err := s.PutUserKey(ctx, second)
	require.ErrorIs(t, err, corevault.ErrKeyNameTaken)
}

func TestMemoryStore_GetSessionVersion(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	sess := newTestSession("sess-1", "user-1")
	sess.Version = 7
	require.NoError(t, s.PutSession(ctx, sess))

	v, err := s.GetSessionVersion(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}

func TestMemoryStore_OperationsFailAfterClose(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Close())
	err := s.PutSession(ctx, newTestSession("sess-1", "user-1"))
	require.Error(t, err)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, newTestSession("sess-1", "user-1")))

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				v := uint64(j)
				_, _ = s.UpdateSession(ctx, "sess-1", SessionPatch{Version: &v})
				_, _ = s.GetSession(ctx, "sess-1")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	_, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
}
