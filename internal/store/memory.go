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
	"errors"
	"sort"
	"sync"

	"github.com/corevault/workspacevault/internal/corevault"
)

// MemoryStore implements Store using in-memory maps. It is thread-safe and
// is the primary test double used throughout this module's test suites,
// mirroring the teacher's preference for a real in-memory Store over mocks.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*corevault.Session
	checkpoints map[string]*corevault.Checkpoint
	userKeys    map[string]map[string]*corevault.UserKey // userID -> keyID -> key
	closed      bool
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*corevault.Session),
		checkpoints: make(map[string]*corevault.Checkpoint),
		userKeys:    make(map[string]map[string]*corevault.UserKey),
	}
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*corevault.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("store is closed")
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, corevault.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) PutSession(ctx context.Context, s *corevault.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("store is closed")
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*corevault.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, corevault.ErrNotFound
	}
	applySessionPatch(s, patch)
	return cloneSession(s), nil
}

func applySessionPatch(s *corevault.Session, patch SessionPatch) {
	if patch.WorkspaceState != nil {
		s.WorkspaceState = patch.WorkspaceState
	}
	if patch.StateChecksum != nil {
		s.StateChecksum = *patch.StateChecksum
	}
	if patch.Version != nil {
		s.Version = *patch.Version
	}
	if patch.LastSavedAt != nil {
		s.LastSavedAt = *patch.LastSavedAt
	}
	if patch.ExpiresAt != nil {
		s.ExpiresAt = *patch.ExpiresAt
	}
	if patch.IsActive != nil {
		s.IsActive = *patch.IsActive
	}
	if patch.EncryptedKeyRef != nil {
		s.EncryptedKeyRef = *patch.EncryptedKeyRef
	}
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return corevault.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, filter SessionFilter) (*SessionPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*corevault.Session
	for _, s := range m.sessions {
		if sessionMatches(s, filter) {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	matched = paginate(matched, filter.Offset, filter.Limit)

	items := make([]*corevault.Session, len(matched))
	for i, s := range matched {
		items[i] = cloneSession(s)
	}
	return &SessionPage{Items: items, Total: total}, nil
}

func (m *MemoryStore) CountSessions(ctx context.Context, filter SessionFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if sessionMatches(s, filter) {
			count++
		}
	}
	return count, nil
}

func sessionMatches(s *corevault.Session, f SessionFilter) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.WorkspaceID != "" && s.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.IsActive != nil && s.IsActive != *f.IsActive {
		return false
	}
	return true
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, id string) (*corevault.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkpoints[id]
	if !ok {
		return nil, corevault.ErrNotFound
	}
	return cloneCheckpoint(c), nil
}

func (m *MemoryStore) ListCheckpoints(ctx context.Context, filter CheckpointFilter) (*CheckpointPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*corevault.Checkpoint
	for _, c := range m.checkpoints {
		if filter.SessionID != "" && c.SessionID != filter.SessionID {
			continue
		}
		if len(filter.Tags) > 0 && !hasAnyTag(c.Tags, filter.Tags) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	matched = paginate(matched, filter.Offset, filter.Limit)

	items := make([]*corevault.Checkpoint, len(matched))
	for i, c := range matched {
		items[i] = cloneCheckpoint(c)
	}
	return &CheckpointPage{Items: items, Total: total}, nil
}

func (m *MemoryStore) PutCheckpoint(ctx context.Context, c *corevault.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints {
		if existing.SessionID == c.SessionID && existing.Name == c.Name && existing.ID != c.ID {
			return corevault.NewPolicyViolation("checkpoint name already used for this session")
		}
	}
	m.checkpoints[c.ID] = cloneCheckpoint(c)
	return nil
}

func (m *MemoryStore) DeleteCheckpoint(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[id]; !ok {
		return corevault.ErrNotFound
	}
	delete(m.checkpoints, id)
	return nil
}

func (m *MemoryStore) CountCheckpoints(ctx context.Context, filter CheckpointFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.checkpoints {
		if filter.SessionID != "" && c.SessionID != filter.SessionID {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) GetUserKey(ctx context.Context, userID, keyID string) (*corevault.UserKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.userKeys[userID]
	if !ok {
		return nil, corevault.ErrNotFound
	}
	k, ok := keys[keyID]
	if !ok {
		return nil, corevault.ErrNotFound
	}
	return k.Clone(), nil
}

func (m *MemoryStore) ListUserKeys(ctx context.Context, userID string, includeInactive bool) ([]*corevault.UserKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*corevault.UserKey
	for _, k := range m.userKeys[userID] {
		if !includeInactive && !k.IsActive {
			continue
		}
		out = append(out, k.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutUserKey(ctx context.Context, k *corevault.UserKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userKeys[k.UserID] == nil {
		m.userKeys[k.UserID] = make(map[string]*corevault.UserKey)
	}
	if k.IsActive {
		for _, existing := range m.userKeys[k.UserID] {
			if existing.IsActive && existing.KeyName == k.KeyName && existing.KeyID != k.KeyID {
				return corevault.ErrKeyNameTaken
			}
		}
	}
	m.userKeys[k.UserID][k.KeyID] = k.Clone()
	return nil
}

func (m *MemoryStore) UpdateUserKey(ctx context.Context, userID, keyID string, patch UserKeyPatch) (*corevault.UserKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.userKeys[userID]
	if !ok {
		return nil, corevault.ErrNotFound
	}
	k, ok := keys[keyID]
	if !ok {
		return nil, corevault.ErrNotFound
	}
	applyUserKeyPatch(k, patch)
	return k.Clone(), nil
}

func applyUserKeyPatch(k *corevault.UserKey, patch UserKeyPatch) {
	if patch.LastUsedAt != nil {
		k.LastUsedAt = *patch.LastUsedAt
	}
	if patch.IsActive != nil {
		k.IsActive = *patch.IsActive
	}
	if patch.DeactivatedAt != nil {
		k.DeactivatedAt = *patch.DeactivatedAt
	}
	if patch.DeactivationReason != nil {
		k.DeactivationReason = *patch.DeactivationReason
	}
	if patch.PreviousKeyID != nil {
		k.PreviousKeyID = *patch.PreviousKeyID
	}
	if patch.RotationReason != nil {
		k.RotationReason = *patch.RotationReason
	}
	if patch.Metadata != nil {
		if k.Metadata == nil {
			k.Metadata = make(map[string]string)
		}
		for mk, mv := range patch.Metadata {
			k.Metadata[mk] = mv
		}
	}
}

func (m *MemoryStore) DeleteUserKey(ctx context.Context, userID, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.userKeys[userID]
	if !ok {
		return corevault.ErrNotFound
	}
	if _, ok := keys[keyID]; !ok {
		return corevault.ErrNotFound
	}
	delete(keys, keyID)
	return nil
}

func (m *MemoryStore) GetSessionVersion(ctx context.Context, sessionID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, corevault.ErrNotFound
	}
	return s.Version, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneSession(s *corevault.Session) *corevault.Session {
	cp := *s
	if s.WorkspaceState != nil {
		cp.WorkspaceState = append([]byte(nil), s.WorkspaceState...)
	}
	return &cp
}

func cloneCheckpoint(c *corevault.Checkpoint) *corevault.Checkpoint {
	cp := *c
	if c.WorkspaceState != nil {
		cp.WorkspaceState = append([]byte(nil), c.WorkspaceState...)
	}
	if c.Tags != nil {
		cp.Tags = append([]string(nil), c.Tags...)
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func hasAnyTag(tags, want []string) bool {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
