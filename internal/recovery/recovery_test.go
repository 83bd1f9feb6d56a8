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

package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/crypto"
	"github.com/corevault/workspacevault/internal/keyvault"
	"github.com/corevault/workspacevault/internal/password"
	"github.com/corevault/workspacevault/internal/store"
)

const testPassword = "Recovery-Strong!Pass1"

func newTestEngine(t *testing.T) (*Engine, *keyvault.Vault, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	vault := keyvault.New(st, password.DefaultPolicy(), 100_000, 10, logr.Discard(), nil)
	return New(st, vault, logr.Discard()), vault, st
}

func putEncryptedSession(t *testing.T, ctx context.Context, vault *keyvault.Vault, st store.Store, userID, keyID, sessionID string, state *corevault.WorkspaceState) *corevault.Session {
	t.Helper()
	plaintext, err := json.Marshal(state)
	require.NoError(t, err)
	env, err := vault.EncryptWithUserKey(ctx, userID, keyID, testPassword, plaintext)
	require.NoError(t, err)
	wire, err := json.Marshal(env)
	require.NoError(t, err)

	session := &corevault.Session{
		ID:              sessionID,
		UserID:          userID,
		WorkspaceID:     "ws-1",
		WorkspaceState:  wire,
		StateChecksum:   crypto.Hash(wire),
		EncryptedKeyRef: keyID,
		IsActive:        true,
		LastSavedAt:     time.Now(),
		Version:         1,
	}
	require.NoError(t, st.PutSession(ctx, session))
	return session
}

func TestEngine_Restore_Direct(t *testing.T) {
	engine, vault, st := newTestEngine(t)
	ctx := context.Background()

	key, err := vault.CreateUserKey(ctx, "u1", "primary", testPassword, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	state := &corevault.WorkspaceState{
		TerminalState: []corevault.TerminalEntry{{ID: "1", Command: "ls"}},
	}
	putEncryptedSession(t, ctx, vault, st, "u1", key.KeyID, "sess-1", state)

	result, err := engine.Restore(ctx, "sess-1", testPassword, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, MethodFull, result.Method)
	assert.Equal(t, state.TerminalState, result.State.TerminalState)
}

func TestEngine_Restore_ChecksumMismatchFallsBackToCheckpoint(t *testing.T) {
	engine, vault, st := newTestEngine(t)
	ctx := context.Background()

	key, err := vault.CreateUserKey(ctx, "u1", "primary", testPassword, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	state := &corevault.WorkspaceState{TerminalState: []corevault.TerminalEntry{{ID: "1", Command: "ls"}}}
	session := putEncryptedSession(t, ctx, vault, st, "u1", key.KeyID, "sess-1", state)

	// Corrupt the session's checksum to force the direct rung to fail and
	// fall to the checkpoint rung.
	session.StateChecksum = "sha256:0000"
	require.NoError(t, st.PutSession(ctx, session))

	cpPlaintext, err := json.Marshal(state)
	require.NoError(t, err)
	cpEnv, err := vault.EncryptWithUserKey(ctx, "u1", key.KeyID, testPassword, cpPlaintext)
	require.NoError(t, err)
	cpWire, err := json.Marshal(cpEnv)
	require.NoError(t, err)
	checkpoint := &corevault.Checkpoint{
		ID:             "cp-1",
		SessionID:      "sess-1",
		WorkspaceState: cpWire,
		StateChecksum:  crypto.Hash(cpWire),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.PutCheckpoint(ctx, checkpoint))

	opts := DefaultOptions()
	opts.FallbackToCheckpoint = "cp-1"

	result, err := engine.Restore(ctx, "sess-1", testPassword, opts)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, MethodCheckpoint, result.Method)
	assert.Equal(t, uint64(2), result.Session.Version)
}

func TestEngine_Restore_PartialRecoversFromCorruptBytes(t *testing.T) {
	engine, _, st := newTestEngine(t)
	ctx := context.Background()

	good := corevault.WorkspaceState{
		TerminalState: []corevault.TerminalEntry{{ID: "1", Command: "ls"}},
		BrowserTabs:   []corevault.BrowserTab{{URL: "https://example.com", Title: "Example"}},
		AIState:       []corevault.AIConversationEntry{{ID: "a1", Role: "user"}},
		FileState:     []corevault.OpenFileEntry{{ID: "f1", Path: "/tmp/x"}},
	}
	goodBytes, err := json.Marshal(good)
	require.NoError(t, err)

	corrupted := append([]byte("%%%garbage-prefix%%%"), goodBytes...)
	corrupted = append(corrupted, []byte("%%%garbage-suffix%%%")...)

	session := &corevault.Session{
		ID:             "sess-1",
		UserID:         "u1",
		WorkspaceID:    "ws-1",
		WorkspaceState: corrupted,
		StateChecksum:  "sha256:totally-wrong",
		IsActive:       true,
		LastSavedAt:    time.Now(),
		Version:        1,
	}
	require.NoError(t, st.PutSession(ctx, session))

	opts := DefaultOptions()
	result, err := engine.Restore(ctx, "sess-1", "", opts)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, MethodPartial, result.Method)
	require.NotEmpty(t, result.Warnings)
	require.Len(t, result.State.TerminalState, 1)
	require.Len(t, result.State.BrowserTabs, 1)

	updated, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
}

func TestResolveMergeConflicts_SingleCandidate(t *testing.T) {
	state := &corevault.WorkspaceState{TerminalState: []corevault.TerminalEntry{{ID: "1"}}}
	result, err := ResolveMergeConflicts([]CandidateState{{WorkspaceState: state, LastSavedAt: time.Now(), Source: SourcePrimary}}, StrategyLatest)
	require.NoError(t, err)
	assert.Same(t, state, result.ResolvedState)
	assert.Len(t, result.Warnings, 1)
}

func TestResolveMergeConflicts_LatestWithDisjointKeys(t *testing.T) {
	a := CandidateState{
		WorkspaceState: &corevault.WorkspaceState{TerminalState: []corevault.TerminalEntry{{ID: "1", Command: "ls"}}},
		LastSavedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:         SourcePrimary,
	}
	b := CandidateState{
		WorkspaceState: &corevault.WorkspaceState{TerminalState: []corevault.TerminalEntry{{ID: "2", Command: "pwd"}}},
		LastSavedAt:    time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		Source:         SourcePrimary,
	}

	result, err := ResolveMergeConflicts([]CandidateState{a, b}, StrategyLatest)
	require.NoError(t, err)
	require.Len(t, result.ResolvedState.TerminalState, 2)
	assert.Empty(t, result.Conflicts)
	assert.Empty(t, result.Warnings)
}

func TestResolveMergeConflicts_DetectsConflictOnSameKey(t *testing.T) {
	a := CandidateState{
		WorkspaceState: &corevault.WorkspaceState{TerminalState: []corevault.TerminalEntry{
			{ID: "1", Command: "ls", IsActive: true, Timestamp: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)},
		}},
		LastSavedAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Source:      SourcePrimary,
	}
	b := CandidateState{
		WorkspaceState: &corevault.WorkspaceState{TerminalState: []corevault.TerminalEntry{
			{ID: "1", Command: "ls -la", IsActive: false, Timestamp: time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)},
		}},
		LastSavedAt: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		Source:      SourcePrimary,
	}

	result, err := ResolveMergeConflicts([]CandidateState{a, b}, StrategyLatest)
	require.NoError(t, err)
	require.Len(t, result.ResolvedState.TerminalState, 1)
	assert.Equal(t, "ls", result.ResolvedState.TerminalState[0].Command)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "terminalState.id", result.Conflicts[0].Field)
}

func TestResolveMergeConflicts_MostCompletePrefersHigherScore(t *testing.T) {
	sparse := CandidateState{
		WorkspaceState: &corevault.WorkspaceState{},
		LastSavedAt:    time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		Source:         SourcePrimary,
	}
	rich := CandidateState{
		WorkspaceState: &corevault.WorkspaceState{
			TerminalState: []corevault.TerminalEntry{{ID: "1", IsActive: true}},
			BrowserTabs:   []corevault.BrowserTab{{URL: "https://a", Title: "A"}},
		},
		LastSavedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:      SourceCheckpoint,
	}

	result, err := ResolveMergeConflicts([]CandidateState{sparse, rich}, StrategyMostComplete)
	require.NoError(t, err)
	require.Len(t, result.ResolvedState.TerminalState, 1)
	assert.Equal(t, "1", result.ResolvedState.TerminalState[0].ID)
}

func TestEngine_GetRecoveryStatistics(t *testing.T) {
	engine, vault, st := newTestEngine(t)
	ctx := context.Background()

	key, err := vault.CreateUserKey(ctx, "u1", "primary", testPassword, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	fresh := putEncryptedSession(t, ctx, vault, st, "u1", key.KeyID, "sess-fresh", &corevault.WorkspaceState{})
	fresh.LastSavedAt = time.Now()
	require.NoError(t, st.PutSession(ctx, fresh))

	stale := putEncryptedSession(t, ctx, vault, st, "u1", key.KeyID, "sess-stale", &corevault.WorkspaceState{})
	stale.LastSavedAt = time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, st.PutSession(ctx, stale))

	stats, err := engine.GetRecoveryStatistics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 1, stats.CorruptedSessions)
	assert.Equal(t, 1, stats.UnrecoverableSessions)
}
