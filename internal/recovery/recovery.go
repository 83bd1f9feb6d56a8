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

// Package recovery implements the recovery engine (C6): the restore
// ladder (direct, checkpoint, partial, failed), validation, merge-conflict
// resolution across candidate states, and recovery statistics.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/crypto"
	"github.com/corevault/workspacevault/internal/keyvault"
	"github.com/corevault/workspacevault/internal/store"
)

// RestoreMethod identifies which rung of the recovery ladder produced a
// RestoreResult.
type RestoreMethod string

const (
	MethodFull       RestoreMethod = "full"
	MethodCheckpoint RestoreMethod = "checkpoint"
	MethodPartial    RestoreMethod = "partial"
	MethodFailed     RestoreMethod = "failed"
)

// stale session rows older than this are counted as "corrupted" by
// get_recovery_statistics, per spec.md §4.6.
const corruptedSessionAge = 7 * 24 * time.Hour

// Options configures a Restore call. Zero value is not directly usable;
// callers should start from DefaultOptions().
type Options struct {
	PreserveMetadata            bool
	FallbackToCheckpoint        string
	SkipCorrupted               bool
	PreferLatestCheckpoint      bool
	MaxDataLossThresholdPercent int
	FallbackToPartial           bool
}

// DefaultOptions matches spec.md §4.6's documented option defaults.
func DefaultOptions() Options {
	return Options{
		PreserveMetadata:            true,
		SkipCorrupted:               true,
		PreferLatestCheckpoint:      false,
		MaxDataLossThresholdPercent: 10,
		FallbackToPartial:           true,
	}
}

// ValidationResult is the outcome of validating a session's persisted bytes.
type ValidationResult struct {
	IsValid       bool
	ChecksumMatch bool
	CanRecover    bool
	Errors        []string
	Warnings      []string
}

// RestoreResult is the outcome of Restore.
type RestoreResult struct {
	Success    bool
	State      *corevault.WorkspaceState
	Session    *corevault.Session
	Method     RestoreMethod
	Validation ValidationResult
	Errors     []string
	Warnings   []string
}

// Statistics is the outcome of GetRecoveryStatistics.
type Statistics struct {
	TotalSessions        int
	CorruptedSessions     int
	RecoverableSessions   int
	UnrecoverableSessions int
	AvailableCheckpoints  int
	AvgRecoveryTime       time.Duration
}

// Engine implements the recovery ladder against a Store Adapter, using the
// Key Vault to decrypt session payloads under a caller-supplied password.
type Engine struct {
	store  store.Store
	vault  *keyvault.Vault
	logger logr.Logger

	recoveryDurations []time.Duration
}

// New builds a recovery Engine.
func New(st store.Store, vault *keyvault.Vault, logger logr.Logger) *Engine {
	return &Engine{store: st, vault: vault, logger: logger}
}

// Restore runs the recovery ladder for a session: direct, then checkpoint
// (if requested), then partial (if allowed), then failed.
func (e *Engine) Restore(ctx context.Context, sessionID, password string, opts Options) (*RestoreResult, error) {
	start := time.Now()
	defer func() { e.recoveryDurations = append(e.recoveryDurations, time.Since(start)) }()

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return &RestoreResult{Success: false, Method: MethodFailed, Errors: []string{err.Error()}}, nil
	}

	validation := e.validate(ctx, session.WorkspaceState, session.StateChecksum, password, session.UserID, session.EncryptedKeyRef)
	if validation.IsValid {
		state, decodeErr := e.decode(ctx, session.WorkspaceState, password, session.UserID, session.EncryptedKeyRef)
		if decodeErr == nil {
			return &RestoreResult{
				Success:    true,
				State:      state,
				Session:    session,
				Method:     MethodFull,
				Validation: validation,
			}, nil
		}
		validation.Errors = append(validation.Errors, decodeErr.Error())
		validation.CanRecover = corevault.IsRecoverable(decodeErr)
	}

	if !validation.CanRecover {
		return &RestoreResult{
			Success:    false,
			Method:     MethodFailed,
			Validation: validation,
			Errors:     validation.Errors,
		}, nil
	}

	if result := e.tryCheckpoint(ctx, session, password, opts); result != nil {
		return result, nil
	}

	if opts.FallbackToPartial {
		if result := e.tryPartial(ctx, session); result != nil {
			return result, nil
		}
	}

	return &RestoreResult{
		Success:    false,
		Method:     MethodFailed,
		Validation: validation,
		Errors:     append(validation.Errors, "no checkpoint or partial recovery available"),
	}, nil
}

func (e *Engine) tryCheckpoint(ctx context.Context, session *corevault.Session, password string, opts Options) *RestoreResult {
	var checkpoint *corevault.Checkpoint

	switch {
	case opts.PreferLatestCheckpoint:
		page, err := e.store.ListCheckpoints(ctx, store.CheckpointFilter{SessionID: session.ID})
		if err != nil || len(page.Items) == 0 {
			return nil
		}
		sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].CreatedAt.After(page.Items[j].CreatedAt) })
		checkpoint = page.Items[0]
	case opts.FallbackToCheckpoint != "":
		cp, err := e.store.GetCheckpoint(ctx, opts.FallbackToCheckpoint)
		if err != nil {
			return nil
		}
		checkpoint = cp
	default:
		return nil
	}

	validation := e.validate(ctx, checkpoint.WorkspaceState, checkpoint.StateChecksum, password, session.UserID, session.EncryptedKeyRef)
	if !validation.IsValid {
		return nil
	}
	state, err := e.decode(ctx, checkpoint.WorkspaceState, password, session.UserID, session.EncryptedKeyRef)
	if err != nil {
		return nil
	}

	newVersion := session.Version + 1
	now := time.Now()
	updated, err := e.store.UpdateSession(ctx, session.ID, store.SessionPatch{
		WorkspaceState: checkpoint.WorkspaceState,
		StateChecksum:  &checkpoint.StateChecksum,
		Version:        &newVersion,
		LastSavedAt:    &now,
	})
	if err != nil {
		return nil
	}

	return &RestoreResult{
		Success:    true,
		State:      state,
		Session:    updated,
		Method:     MethodCheckpoint,
		Validation: validation,
		Warnings:   []string{fmt.Sprintf("restored from checkpoint %s", checkpoint.ID)},
	}
}

// tryPartial scans the raw persisted bytes for the outermost balanced JSON
// object candidates, accepts the first that looks workspace-state-like,
// repairs it by dropping entries missing their identity field, and writes
// the repaired state back with a version bump.
func (e *Engine) tryPartial(ctx context.Context, session *corevault.Session) *RestoreResult {
	for _, candidate := range balancedObjectCandidates(session.WorkspaceState) {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(candidate, &raw); err != nil {
			continue
		}
		if !looksWorkspaceStateLike(raw) {
			continue
		}

		var state corevault.WorkspaceState
		if err := json.Unmarshal(candidate, &state); err != nil {
			continue
		}

		repaired, warnings := repairState(&state)

		repairedBytes, err := json.Marshal(repaired)
		if err != nil {
			continue
		}
		checksum := crypto.Hash(repairedBytes)
		newVersion := session.Version + 1
		now := time.Now()
		updated, err := e.store.UpdateSession(ctx, session.ID, store.SessionPatch{
			WorkspaceState: repairedBytes,
			StateChecksum:  &checksum,
			Version:        &newVersion,
			LastSavedAt:    &now,
		})
		if err != nil {
			continue
		}

		return &RestoreResult{
			Success: true,
			State:   repaired,
			Session: updated,
			Method:  MethodPartial,
			Validation: ValidationResult{
				IsValid:       false,
				ChecksumMatch: false,
				CanRecover:    true,
			},
			Warnings: warnings,
		}
	}
	return nil
}

func looksWorkspaceStateLike(raw map[string]json.RawMessage) bool {
	for _, key := range []string{"terminalState", "browserTabs", "aiState", "fileState"} {
		if _, ok := raw[key]; !ok {
			return false
		}
	}
	return true
}

func repairState(state *corevault.WorkspaceState) (*corevault.WorkspaceState, []string) {
	var warnings []string

	terminals := state.TerminalState[:0:0]
	for _, t := range state.TerminalState {
		if t.ID != "" {
			terminals = append(terminals, t)
		}
	}
	if len(terminals) != len(state.TerminalState) {
		warnings = append(warnings, "dropped terminal entries missing an id")
	}

	ai := state.AIState[:0:0]
	for _, a := range state.AIState {
		if a.ID != "" {
			ai = append(ai, a)
		}
	}
	if len(ai) != len(state.AIState) {
		warnings = append(warnings, "dropped ai conversation entries missing an id")
	}

	files := state.FileState[:0:0]
	for _, f := range state.FileState {
		if f.ID != "" {
			files = append(files, f)
		}
	}
	if len(files) != len(state.FileState) {
		warnings = append(warnings, "dropped file entries missing an id")
	}

	tabs := state.BrowserTabs[:0:0]
	for _, b := range state.BrowserTabs {
		if b.URL != "" {
			tabs = append(tabs, b)
		}
	}
	if len(tabs) != len(state.BrowserTabs) {
		warnings = append(warnings, "dropped browser tabs missing a url")
	}

	warnings = append(warnings, "recovered from partial/corrupted data; some entries may be missing")

	return &corevault.WorkspaceState{
		TerminalState: terminals,
		BrowserTabs:   tabs,
		AIState:       ai,
		FileState:     files,
		Config:        state.Config,
		Metadata:      state.Metadata,
	}, warnings
}

// balancedObjectCandidates scans raw bytes for top-level `{...}` spans,
// tracking JSON string/escape state so braces inside string values are not
// mistaken for structural delimiters.
func balancedObjectCandidates(data []byte) [][]byte {
	var candidates [][]byte
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidates = append(candidates, data[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}

// validate checks the persisted checksum and, if it matches, attempts to
// decrypt the payload. Per spec.md §4.6, checksum/structural/decryption
// errors mark can_recover=true; anything else does not.
func (e *Engine) validate(ctx context.Context, wire []byte, expectedChecksum, password, userID, keyID string) ValidationResult {
	result := ValidationResult{ChecksumMatch: crypto.VerifyHash(wire, expectedChecksum)}
	if !result.ChecksumMatch {
		result.Errors = append(result.Errors, "checksum mismatch against persisted state")
		result.CanRecover = true
		return result
	}

	_, err := e.decode(ctx, wire, password, userID, keyID)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.CanRecover = corevault.IsRecoverable(err)
		return result
	}

	result.IsValid = true
	result.CanRecover = true
	return result
}

// decode unwraps the persisted envelope and decodes the plaintext into a
// WorkspaceState.
func (e *Engine) decode(ctx context.Context, wire []byte, password, userID, keyID string) (*corevault.WorkspaceState, error) {
	var env corevault.Envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return nil, corevault.NewStructuralCorruption("persisted envelope is not valid JSON: " + err.Error())
	}

	plaintext, err := e.vault.DecryptWithUserKey(ctx, userID, keyID, password, env)
	if err != nil {
		return nil, err
	}

	var state corevault.WorkspaceState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, corevault.NewStructuralCorruption("decrypted payload failed deserialization: " + err.Error())
	}
	return &state, nil
}

// GetRecoveryStatistics summarizes the recoverability of a user's sessions.
// "Corrupted" sessions are estimated as those unsaved for more than 7 days.
func (e *Engine) GetRecoveryStatistics(ctx context.Context, userID string) (*Statistics, error) {
	page, err := e.store.ListSessions(ctx, store.SessionFilter{UserID: userID})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalSessions: len(page.Items)}
	now := time.Now()

	for _, s := range page.Items {
		if now.Sub(s.LastSavedAt) > corruptedSessionAge {
			stats.CorruptedSessions++
			cpCount, err := e.store.CountCheckpoints(ctx, store.CheckpointFilter{SessionID: s.ID})
			if err == nil && cpCount > 0 {
				stats.RecoverableSessions++
			} else {
				stats.UnrecoverableSessions++
			}
		}

		cpCount, err := e.store.CountCheckpoints(ctx, store.CheckpointFilter{SessionID: s.ID})
		if err == nil {
			stats.AvailableCheckpoints += cpCount
		}
	}

	if len(e.recoveryDurations) > 0 {
		var total time.Duration
		for _, d := range e.recoveryDurations {
			total += d
		}
		stats.AvgRecoveryTime = total / time.Duration(len(e.recoveryDurations))
	}

	return stats, nil
}
