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

package rotation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corevault/workspacevault/internal/config"
	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/keyvault"
	"github.com/corevault/workspacevault/internal/password"
	"github.com/corevault/workspacevault/internal/store"
	"github.com/corevault/workspacevault/pkg/metrics"
)

const (
	currentPW = "Original-Passphrase-Battery-42!"
	newPW     = "Replacement-Passphrase-Staple-99!"
)

func newTestEngine(t *testing.T) (*Engine, *keyvault.Vault, store.Store, *metrics.Collector) {
	collector := metrics.New(metrics.Config{Namespace: "test-" + t.Name()})
	st := store.NewMemoryStore()
	vault := keyvault.New(st, password.DefaultPolicy(), 100_000, 10, logr.Discard(), collector)
	policy := config.RotationPolicy{
		RotationIntervalDays: 90,
		WarningDaysBefore:    7,
		MaxKeyAgeDays:        180,
		GracePeriodDays:      14,
	}
	engine := New(st, vault, policy, logr.Discard(), collector)
	return engine, vault, st, collector
}

func waitForTerminalState(t *testing.T, engine *Engine, taskID string) *corevault.RotationTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := engine.GetTaskStatus(taskID)
		require.NoError(t, err)
		switch task.State {
		case corevault.RotationCompleted, corevault.RotationFailed, corevault.RotationCancelled:
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("rotation task did not reach a terminal state in time")
	return nil
}

func TestEngine_CheckKeysNeedingRotation_ClassifiesKeys(t *testing.T) {
	engine, vault, st, _ := newTestEngine(t)
	ctx := context.Background()

	fresh, err := vault.CreateUserKey(ctx, "user-1", "fresh", currentPW, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	old, err := vault.CreateUserKey(ctx, "user-1", "old", currentPW+"x", "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)
	oldStored, err := st.GetUserKey(ctx, "user-1", old.KeyID)
	require.NoError(t, err)
	oldStored.CreatedAt = time.Now().Add(-200 * 24 * time.Hour)
	require.NoError(t, st.PutUserKey(ctx, oldStored))

	expiring, err := vault.CreateUserKey(ctx, "user-1", "expiring", currentPW+"y", "", time.Now().Add(3*24*time.Hour), nil)
	require.NoError(t, err)

	res, err := engine.CheckKeysNeedingRotation(ctx, "user-1")
	require.NoError(t, err)

	assertContainsKeyID(t, res.NeedsRotation, old.KeyID)
	assertContainsKeyID(t, res.ExpiringSoon, expiring.KeyID)
	for _, k := range res.Expired {
		assert.NotEqual(t, fresh.KeyID, k.KeyID)
	}
}

func assertContainsKeyID(t *testing.T, keys []*corevault.UserKey, keyID string) {
	t.Helper()
	for _, k := range keys {
		if k.KeyID == keyID {
			return
		}
	}
	t.Fatalf("expected key %s in result set", keyID)
}

func TestEngine_InitiateRotation_ReencryptsSessionsAndDeactivatesOldKey(t *testing.T) {
	engine, vault, st, collector := newTestEngine(t)
	ctx := context.Background()

	oldKey, err := vault.CreateUserKey(ctx, "user-1", "primary", currentPW, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	plaintext := []byte(`{"terminalState":[],"browserTabs":[]}`)
	env, err := vault.EncryptWithUserKey(ctx, "user-1", oldKey.KeyID, currentPW, plaintext)
	require.NoError(t, err)
	wire, err := json.Marshal(env)
	require.NoError(t, err)

	session := &corevault.Session{
		ID:              "sess-1",
		UserID:          "user-1",
		WorkspaceID:     "ws-1",
		WorkspaceState:  wire,
		EncryptedKeyRef: oldKey.KeyID,
		IsActive:        true,
		LastSavedAt:     time.Now(),
	}
	require.NoError(t, st.PutSession(ctx, session))

	task, err := engine.InitiateRotation(ctx, InitiateRotationRequest{
		UserID:          "user-1",
		OldKeyID:        oldKey.KeyID,
		CurrentPassword: currentPW,
		NewPassword:     newPW,
		Force:           true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.NewKeyID)

	final := waitForTerminalState(t, engine, task.ID)
	assert.Equal(t, corevault.RotationCompleted, final.State)
	assert.Equal(t, 1, final.Progress.SessionsTotal)
	assert.Equal(t, 1, final.Progress.SessionsDone)

	updated, err := st.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, task.NewKeyID, updated.EncryptedKeyRef)

	var newEnv corevault.Envelope
	require.NoError(t, json.Unmarshal(updated.WorkspaceState, &newEnv))
	got, err := vault.DecryptWithUserKey(ctx, "user-1", task.NewKeyID, newPW, newEnv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	oldStored, err := st.GetUserKey(ctx, "user-1", oldKey.KeyID)
	require.NoError(t, err)
	assert.False(t, oldStored.IsActive)

	stats := collector.UserStats("user-1")
	assert.Equal(t, 1, stats.RotationSuccessCount)
	assert.Equal(t, 1, stats.SessionsMigrated)
	// One encryption by the test setup plus one by the rewrap; one decryption
	// by the rewrap plus the test's own check of the re-encrypted state.
	assert.Equal(t, 2, stats.EncryptionCount)
	assert.Equal(t, 2, stats.DecryptionCount)
}

func TestEngine_InitiateRotation_FailsFastOnWrongCurrentPassword(t *testing.T) {
	engine, vault, _, _ := newTestEngine(t)
	ctx := context.Background()

	oldKey, err := vault.CreateUserKey(ctx, "user-1", "primary", currentPW, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	_, err = engine.InitiateRotation(ctx, InitiateRotationRequest{
		UserID:          "user-1",
		OldKeyID:        oldKey.KeyID,
		CurrentPassword: "not-the-right-password-at-all",
		NewPassword:     newPW,
		Force:           true,
	})
	require.ErrorIs(t, err, corevault.ErrDecryptionFailed)
}

func TestEngine_CancelTask_OnlyCancelsPending(t *testing.T) {
	engine, vault, _, _ := newTestEngine(t)
	ctx := context.Background()

	oldKey, err := vault.CreateUserKey(ctx, "user-1", "primary", currentPW, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	task, err := engine.InitiateRotation(ctx, InitiateRotationRequest{
		UserID:          "user-1",
		OldKeyID:        oldKey.KeyID,
		CurrentPassword: currentPW,
		NewPassword:     newPW,
		Force:           true,
	})
	require.NoError(t, err)

	waitForTerminalState(t, engine, task.ID)

	err = engine.CancelTask(task.ID)
	require.Error(t, err)
}

func TestEngine_ListUserTasks(t *testing.T) {
	engine, vault, _, _ := newTestEngine(t)
	ctx := context.Background()

	oldKey, err := vault.CreateUserKey(ctx, "user-1", "primary", currentPW, "", time.Now().Add(365*24*time.Hour), nil)
	require.NoError(t, err)

	task, err := engine.InitiateRotation(ctx, InitiateRotationRequest{
		UserID:          "user-1",
		OldKeyID:        oldKey.KeyID,
		CurrentPassword: currentPW,
		NewPassword:     newPW,
		Force:           true,
	})
	require.NoError(t, err)
	waitForTerminalState(t, engine, task.ID)

	tasks := engine.ListUserTasks("user-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	assert.Empty(t, engine.ListUserTasks("someone-else"))
}
