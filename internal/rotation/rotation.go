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

// Package rotation implements the key rotation engine: scheduled rotation
// checks and the bulk re-encryption of sessions/checkpoints from an old
// user key to a new one.
package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corevault/workspacevault/internal/config"
	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/crypto"
	"github.com/corevault/workspacevault/internal/keyvault"
	"github.com/corevault/workspacevault/internal/store"
	"github.com/corevault/workspacevault/pkg/metrics"
)

// rotationEMAAlpha is the exponential-moving-average smoothing factor for
// average_rotation_time, per spec.md §4.4.
const rotationEMAAlpha = 0.2

// defaultConcurrency bounds how many sessions a single rotation task
// re-encrypts in parallel.
const defaultConcurrency = 8

// CheckResult is the outcome of CheckKeysNeedingRotation.
type CheckResult struct {
	Expired       []*corevault.UserKey
	ExpiringSoon  []*corevault.UserKey
	NeedsRotation []*corevault.UserKey
	Policy        config.RotationPolicy
}

// InitiateRotationRequest carries both passwords a rotation needs: the
// current one (to prove ownership of the old key) and the new one (to
// create and wrap the replacement key).
type InitiateRotationRequest struct {
	UserID          string
	OldKeyID        string
	CurrentPassword string
	NewPassword     string
	Force           bool
}

// Engine is the rotation engine (C4). Task state lives in memory only —
// rotation tasks are a liveness concern of a single running process, not
// durable data the Store Adapter needs to know about.
type Engine struct {
	store       store.Store
	vault       *keyvault.Vault
	policy      config.RotationPolicy
	concurrency int64
	logger      logr.Logger

	mu              sync.RWMutex
	tasks           map[string]*corevault.RotationTask
	avgRotationTime map[string]time.Duration

	cron    *cron.Cron
	metrics *metrics.Collector
}

// New builds a rotation Engine. collector may be nil, in which case
// completed tasks are not recorded as C8 usage metrics.
func New(st store.Store, vault *keyvault.Vault, policy config.RotationPolicy, logger logr.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		store:           st,
		vault:           vault,
		policy:          policy,
		concurrency:     defaultConcurrency,
		logger:          logger,
		tasks:           make(map[string]*corevault.RotationTask),
		avgRotationTime: make(map[string]time.Duration),
		metrics:         collector,
	}
}

// CheckKeysNeedingRotation classifies a user's active keys per spec.md §4.4.
func (e *Engine) CheckKeysNeedingRotation(ctx context.Context, userID string) (*CheckResult, error) {
	keys, err := e.vault.ListUserKeys(ctx, userID, false)
	if err != nil {
		return nil, err
	}

	warningWindow := time.Duration(e.policy.WarningDaysBefore) * 24 * time.Hour
	maxAge := time.Duration(e.policy.MaxKeyAgeDays) * 24 * time.Hour

	res := &CheckResult{Policy: e.policy}
	for _, k := range keys {
		switch {
		case k.IsExpired():
			res.Expired = append(res.Expired, k)
		case k.IsNearExpiry(warningWindow):
			res.ExpiringSoon = append(res.ExpiringSoon, k)
		}
		if time.Since(k.CreatedAt) > maxAge {
			res.NeedsRotation = append(res.NeedsRotation, k)
		}
	}
	return res, nil
}

// InitiateRotation validates the current key, creates its replacement, and
// kicks off an asynchronous bulk re-encryption of every session and
// checkpoint wrapped under the old key. It returns as soon as the tracking
// task is recorded; progress is observed via GetTaskStatus.
func (e *Engine) InitiateRotation(ctx context.Context, req InitiateRotationRequest) (*corevault.RotationTask, error) {
	validation, err := e.vault.ValidateUserKey(ctx, req.UserID, req.OldKeyID, req.CurrentPassword)
	if err != nil {
		return nil, err
	}
	if !validation.IsValid {
		return nil, fmt.Errorf("%w: current password does not unlock key %s", corevault.ErrDecryptionFailed, req.OldKeyID)
	}

	rotateResult, err := e.vault.RotateUserKey(ctx, req.UserID, req.OldKeyID, req.NewPassword, keyvault.RotateOptions{
		Force:          req.Force,
		PreserveOldKey: true, // the old key must stay usable until bulk re-encryption finishes
	})
	if err != nil {
		return nil, err
	}

	taskID, err := crypto.RandomID("rotation")
	if err != nil {
		return nil, err
	}

	task := &corevault.RotationTask{
		ID:          taskID,
		UserID:      req.UserID,
		OldKeyID:    rotateResult.OldKeyID,
		NewKeyID:    rotateResult.NewKeyID,
		State:       corevault.RotationPending,
		ScheduledAt: time.Now().UTC(),
	}

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()

	go e.runRotation(task.ID, req)

	e.logger.Info("rotation initiated", "userID", req.UserID, "oldKeyID", req.OldKeyID, "newKeyID", rotateResult.NewKeyID, "taskID", taskID)
	return cloneTask(task), nil
}

// runRotation drives one task through running -> completed/failed. It runs
// detached from the caller's request context: a rotation outlives the HTTP
// (or RPC) call that started it.
func (e *Engine) runRotation(taskID string, req InitiateRotationRequest) {
	ctx := context.Background()

	task, ok := e.getTask(taskID)
	if !ok {
		return
	}

	if !e.transitionState(taskID, corevault.RotationPending, corevault.RotationRunning, func(t *corevault.RotationTask) {
		t.StartedAt = time.Now().UTC()
	}) {
		return // cancelled before it started
	}

	start := time.Now()

	sessions, err := e.store.ListSessions(ctx, store.SessionFilter{UserID: task.UserID})
	if err != nil {
		e.failTask(taskID, fmt.Errorf("listing sessions: %w", err))
		return
	}

	var targets []*corevault.Session
	for _, s := range sessions.Items {
		if s.EncryptedKeyRef == task.OldKeyID {
			targets = append(targets, s)
		}
	}

	e.setProgress(taskID, func(p *corevault.RotationProgress) { p.SessionsTotal = len(targets) })

	g := new(errgroup.Group)
	sem := semaphore.NewWeighted(e.concurrency)
	var errMu sync.Mutex

	for _, s := range targets {
		s := s
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if rerr := e.reencryptSession(ctx, task, req, s); rerr != nil {
				errMu.Lock()
				e.appendTaskError(taskID, fmt.Sprintf("session %s: %v", s.ID, rerr))
				errMu.Unlock()
			} else {
				e.setProgress(taskID, func(p *corevault.RotationProgress) { p.SessionsDone++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	finished := e.completeTask(taskID, time.Since(start))

	// Deactivate once migration is fully clean, or immediately when the
	// caller forced the rotation and accepts the residual errors.
	if finished || req.Force {
		if err := e.vault.DeactivateKey(ctx, task.UserID, task.OldKeyID, "rotated"); err != nil {
			e.logger.Error(err, "failed to deactivate rotated key", "userID", task.UserID, "keyID", task.OldKeyID)
		}
	}
}

// reencryptSession re-wraps one session's workspace state (and its
// checkpoints) from the old key to the new one, retrying transient store
// errors with exponential backoff.
func (e *Engine) reencryptSession(ctx context.Context, task *corevault.RotationTask, req InitiateRotationRequest, s *corevault.Session) error {
	if len(s.WorkspaceState) > 0 {
		newState, newChecksum, err := e.rewrapBytes(ctx, task.UserID, task.OldKeyID, req.CurrentPassword, task.NewKeyID, req.NewPassword, s.WorkspaceState)
		if err != nil {
			return err
		}

		newKeyID := task.NewKeyID
		op := func() error {
			_, uerr := e.store.UpdateSession(ctx, s.ID, store.SessionPatch{
				WorkspaceState:  newState,
				StateChecksum:   &newChecksum,
				EncryptedKeyRef: &newKeyID,
			})
			return uerr
		}
		if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
	}

	checkpoints, err := e.store.ListCheckpoints(ctx, store.CheckpointFilter{SessionID: s.ID})
	if err != nil {
		return fmt.Errorf("listing checkpoints: %w", err)
	}
	e.setProgress(task.ID, func(p *corevault.RotationProgress) { p.CheckpointsTotal += len(checkpoints.Items) })

	for _, cp := range checkpoints.Items {
		if len(cp.WorkspaceState) == 0 {
			continue
		}
		newState, newChecksum, err := e.rewrapBytes(ctx, task.UserID, task.OldKeyID, req.CurrentPassword, task.NewKeyID, req.NewPassword, cp.WorkspaceState)
		if err != nil {
			e.appendTaskError(task.ID, fmt.Sprintf("checkpoint %s: %v", cp.ID, err))
			continue
		}
		cp.WorkspaceState = newState
		cp.StateChecksum = newChecksum
		if err := e.store.PutCheckpoint(ctx, cp); err != nil {
			e.appendTaskError(task.ID, fmt.Sprintf("checkpoint %s: persisting: %v", cp.ID, err))
			continue
		}
		e.setProgress(task.ID, func(p *corevault.RotationProgress) { p.CheckpointsDone++ })
	}

	return nil
}

// rewrapBytes decrypts a persisted envelope under the old key and
// re-encrypts the recovered plaintext under the new key, returning the new
// wire bytes and their checksum. The wire format is a JSON-encoded
// corevault.Envelope as produced by keyvault, not the codec's WireRecord.
func (e *Engine) rewrapBytes(ctx context.Context, userID, oldKeyID, oldPassword, newKeyID, newPassword string, wire []byte) ([]byte, string, error) {
	var env corevault.Envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return nil, "", corevault.NewStructuralCorruption("workspace state is not a valid envelope")
	}

	plaintext, err := e.vault.DecryptWithUserKey(ctx, userID, oldKeyID, oldPassword, env)
	if err != nil {
		return nil, "", err
	}

	newEnv, err := e.vault.EncryptWithUserKey(ctx, userID, newKeyID, newPassword, plaintext)
	if err != nil {
		return nil, "", err
	}

	newWire, err := json.Marshal(newEnv)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling re-encrypted envelope: %w", err)
	}
	return newWire, crypto.Hash(newWire), nil
}

// GetTaskStatus returns the current state of a tracked rotation task.
func (e *Engine) GetTaskStatus(taskID string) (*corevault.RotationTask, error) {
	task, ok := e.getTask(taskID)
	if !ok {
		return nil, corevault.ErrNotFound
	}
	return task, nil
}

// ListUserTasks returns every task tracked for a user, most recent first.
func (e *Engine) ListUserTasks(userID string) []*corevault.RotationTask {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*corevault.RotationTask
	for _, t := range e.tasks {
		if t.UserID == userID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out
}

// CancelTask cancels a pending task. Running, completed, failed, or
// already-cancelled tasks cannot be cancelled.
func (e *Engine) CancelTask(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return corevault.ErrNotFound
	}
	if task.State != corevault.RotationPending {
		return fmt.Errorf("%w: task %s is not pending", corevault.ErrPolicyViolation, taskID)
	}
	task.State = corevault.RotationCancelled
	task.CompletedAt = time.Now().UTC()
	return nil
}

// AverageRotationTime returns the per-user exponential moving average of
// completed rotation durations (α=0.2), or zero if none have completed yet.
func (e *Engine) AverageRotationTime(userID string) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.avgRotationTime[userID]
}

// StartScheduler runs check-keys-needing-rotation on a cron schedule for
// every user returned by listUserIDs, logging (rather than acting on) any
// findings -- the caller's auto_rotate_enabled policy decides whether to
// act on them. The returned function stops the scheduler.
func (e *Engine) StartScheduler(ctx context.Context, cronSpec string, listUserIDs func(context.Context) ([]string, error)) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(cronSpec, func() {
		userIDs, err := listUserIDs(ctx)
		if err != nil {
			e.logger.Error(err, "listing users for rotation check")
			return
		}
		for _, userID := range userIDs {
			res, err := e.CheckKeysNeedingRotation(ctx, userID)
			if err != nil {
				e.logger.Error(err, "checking keys needing rotation", "userID", userID)
				continue
			}
			if len(res.Expired) > 0 || len(res.NeedsRotation) > 0 {
				e.logger.Info("keys need attention", "userID", userID, "expired", len(res.Expired), "expiringSoon", len(res.ExpiringSoon), "needsRotation", len(res.NeedsRotation))
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling rotation check: %w", err)
	}
	c.Start()
	e.cron = c
	return func() { <-c.Stop().Done() }, nil
}

func (e *Engine) getTask(taskID string) (*corevault.RotationTask, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// cloneTask deep-copies a RotationTask so callers outside the engine's lock
// cannot observe or mutate in-progress state.
func cloneTask(t *corevault.RotationTask) *corevault.RotationTask {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Errors != nil {
		cp.Errors = append([]string(nil), t.Errors...)
	}
	return &cp
}

func (e *Engine) transitionState(taskID string, from, to corevault.RotationTaskState, mutate func(*corevault.RotationTask)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok || t.State != from {
		return false
	}
	t.State = to
	if mutate != nil {
		mutate(t)
	}
	return true
}

func (e *Engine) setProgress(taskID string, mutate func(*corevault.RotationProgress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[taskID]; ok {
		mutate(&t.Progress)
	}
}

func (e *Engine) appendTaskError(taskID, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[taskID]; ok {
		t.Errors = append(t.Errors, msg)
	}
}

func (e *Engine) failTask(taskID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[taskID]; ok {
		t.State = corevault.RotationFailed
		t.CompletedAt = time.Now().UTC()
		t.Errors = append(t.Errors, err.Error())
	}
}

// completeTask marks a task completed or failed depending on whether any
// per-record errors accumulated, and reports whether it finished cleanly.
func (e *Engine) completeTask(taskID string, duration time.Duration) (cleanFinish bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok {
		return false
	}
	if len(t.Errors) > 0 {
		t.State = corevault.RotationFailed
	} else {
		t.State = corevault.RotationCompleted
		cleanFinish = true
	}
	t.CompletedAt = time.Now().UTC()

	prev, seen := e.avgRotationTime[t.UserID]
	if !seen {
		e.avgRotationTime[t.UserID] = duration
	} else {
		e.avgRotationTime[t.UserID] = time.Duration(rotationEMAAlpha*float64(duration) + (1-rotationEMAAlpha)*float64(prev))
	}

	if e.metrics != nil {
		e.metrics.RecordRotation(t.UserID, cleanFinish, t.Progress.SessionsDone, t.Progress.CheckpointsDone)
	}
	return cleanFinish
}
