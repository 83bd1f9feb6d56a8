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

// Package keyvault implements the user-scoped key vault: the two-layer
// wrapped-session-key discipline, key lifecycle management, and the
// security audit report. It is the only caller of crypto's raw-key
// operations outside of the codec package.
package keyvault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/crypto"
	"github.com/corevault/workspacevault/internal/password"
	"github.com/corevault/workspacevault/internal/store"
	"github.com/corevault/workspacevault/pkg/metrics"
)

const (
	// nearExpiryWindow matches spec.md §4.3's "is_near_expiry (≤7 days)".
	nearExpiryWindow = 7 * 24 * time.Hour
	// defaultKeyLifetime is used when CreateUserKey is not given an explicit
	// expiry. Not spec-mandated; chosen as a conservative default.
	defaultKeyLifetime = 365 * 24 * time.Hour
	// defaultMinRotationAge bounds how soon a key may be rotated without
	// Force, per spec.md §4.3's "age(old_key) >= min_rotation_age".
	defaultMinRotationAge = 24 * time.Hour
	// weakIterationThreshold below DefaultIterations counts as "weak" for
	// the security audit, per spec.md §4.3.
	weakIterationThreshold = crypto.DefaultIterations
	auditKeyOlderThan       = 60 * 24 * time.Hour
	auditMaxActiveKeys      = 5
)

// Vault implements the Key Vault (C3): user-scoped key records under the
// two-layer wrapped-session-key scheme described in spec.md §4.3 and §9.
type Vault struct {
	store                store.Store
	passwordPolicy       password.Policy
	kdfIterations        int
	maxActiveKeysPerUser int
	logger               logr.Logger
	metrics              *metrics.Collector
}

// New builds a Vault. kdfIterations is clamped to crypto.MinIterations.
// collector may be nil, in which case encryption/decryption usage is not
// recorded (useful for tests that don't care about C8 metrics).
func New(st store.Store, passwordPolicy password.Policy, kdfIterations, maxActiveKeysPerUser int, logger logr.Logger, collector *metrics.Collector) *Vault {
	if kdfIterations < crypto.MinIterations {
		kdfIterations = crypto.MinIterations
	}
	if maxActiveKeysPerUser <= 0 {
		maxActiveKeysPerUser = 10
	}
	return &Vault{
		store:                st,
		passwordPolicy:       passwordPolicy,
		kdfIterations:        kdfIterations,
		maxActiveKeysPerUser: maxActiveKeysPerUser,
		logger:               logger,
		metrics:              collector,
	}
}

// CreateUserKey generates a fresh random session key, wraps it under a
// master key derived from pw, and persists the resulting UserKey. Policy
// violations (weak password, name collision, key limit) are aggregated
// into a single corevault.PolicyViolationError.
func (v *Vault) CreateUserKey(ctx context.Context, userID, name, pw, description string, expiresAt time.Time, metadata map[string]string) (*corevault.UserKey, error) {
	var reasons []string

	if err := password.ValidatePolicy(pw, v.passwordPolicy); err != nil {
		var pv *corevault.PolicyViolationError
		if errors.As(err, &pv) {
			reasons = append(reasons, pv.Reasons...)
		} else {
			reasons = append(reasons, err.Error())
		}
	}

	active, err := v.store.ListUserKeys(ctx, userID, false)
	if err != nil {
		return nil, fmt.Errorf("%w: listing active keys: %v", corevault.ErrStoreError, err)
	}
	if len(active) >= v.maxActiveKeysPerUser {
		reasons = append(reasons, "active key limit exceeded")
	}
	for _, k := range active {
		if k.KeyName == name {
			reasons = append(reasons, "key name already in use")
			break
		}
	}

	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultKeyLifetime)
	}
	if !expiresAt.After(time.Now()) {
		reasons = append(reasons, "expiry must be in the future")
	}

	if len(reasons) > 0 {
		return nil, corevault.NewPolicyViolation(reasons...)
	}

	salt, err := crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, err
	}

	masterKey, err := crypto.DeriveKey(pw, salt, v.kdfIterations)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(masterKey)

	sessionKey, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(sessionKey)

	iv, ciphertext, err := crypto.EncryptRaw(masterKey, sessionKey)
	if err != nil {
		return nil, err
	}

	keyID, err := crypto.RandomID("key")
	if err != nil {
		return nil, err
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	if description != "" {
		metadata["description"] = description
	}

	now := time.Now().UTC()
	uk := &corevault.UserKey{
		UserID:  userID,
		KeyID:   keyID,
		KeyName: name,
		WrappedSessionKey: corevault.Envelope{
			Algorithm:  crypto.AlgorithmAESGCM,
			IV:         base64.StdEncoding.EncodeToString(iv),
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		},
		Salt:            base64.StdEncoding.EncodeToString(salt),
		IV:              base64.StdEncoding.EncodeToString(iv),
		KDFAlgorithm:    crypto.KDFPBKDF2SHA256,
		KDFIterations:   v.kdfIterations,
		CipherAlgorithm: crypto.AlgorithmAESGCM,
		IsActive:        true,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
		Metadata:        metadata,
	}

	if err := v.store.PutUserKey(ctx, uk); err != nil {
		return nil, fmt.Errorf("%w: persisting user key: %v", corevault.ErrStoreError, err)
	}

	v.logger.Info("user key created", "userID", userID, "keyID", keyID)
	return uk.Clone(), nil
}

// unwrapSessionKey loads the UserKey and unwraps its session key under a
// master key derived from pw. A mismatched password and a corrupted
// wrapped key are indistinguishable: both surface corevault.ErrDecryptionFailed.
func (v *Vault) unwrapSessionKey(ctx context.Context, userID, keyID, pw string) (*corevault.UserKey, []byte, error) {
	uk, err := v.store.GetUserKey(ctx, userID, keyID)
	if err != nil {
		return nil, nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(uk.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid stored salt: %v", corevault.ErrDecryptionFailed, err)
	}
	masterKey, err := crypto.DeriveKey(pw, salt, uk.KDFIterations)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(masterKey)

	iv, err := base64.StdEncoding.DecodeString(uk.WrappedSessionKey.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid wrapped key iv: %v", corevault.ErrDecryptionFailed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(uk.WrappedSessionKey.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid wrapped key ciphertext: %v", corevault.ErrDecryptionFailed, err)
	}

	sessionKey, err := crypto.DecryptRaw(masterKey, iv, ciphertext)
	if err != nil {
		return uk, nil, err
	}
	return uk, sessionKey, nil
}

// ValidationResult is the outcome of ValidateUserKey.
type ValidationResult struct {
	IsValid      bool
	IsExpired    bool
	IsNearExpiry bool
	Strength     password.Strength
	Warnings     []string
	Errors       []string
}

// ValidateUserKey proves pw unwraps the key's session key without
// returning it. On success it records LastUsedAt; on failure (wrong
// password) LastUsedAt is left untouched, per spec.md scenario S2.
func (v *Vault) ValidateUserKey(ctx context.Context, userID, keyID, pw string) (*ValidationResult, error) {
	uk, sessionKey, err := v.unwrapSessionKey(ctx, userID, keyID, pw)
	if err != nil {
		if errors.Is(err, corevault.ErrNotFound) {
			return nil, err
		}
		return &ValidationResult{IsValid: false, Errors: []string{err.Error()}}, nil
	}
	crypto.Zero(sessionKey)

	res := &ValidationResult{
		IsValid:      true,
		IsExpired:    uk.IsExpired(),
		IsNearExpiry: uk.IsNearExpiry(nearExpiryWindow),
		Strength:     password.Analyze(pw).Strength,
	}
	if res.IsExpired {
		res.Warnings = append(res.Warnings, "key has expired")
	}
	if res.IsNearExpiry {
		res.Warnings = append(res.Warnings, "key is nearing expiry")
	}

	now := time.Now().UTC()
	if _, err := v.store.UpdateUserKey(ctx, userID, keyID, store.UserKeyPatch{LastUsedAt: &now}); err != nil {
		v.logger.Error(err, "failed to record key usage", "userID", userID, "keyID", keyID)
	}
	return res, nil
}

// EncryptWithUserKey unwraps the session key under pw and seals plaintext
// with it.
func (v *Vault) EncryptWithUserKey(ctx context.Context, userID, keyID, pw string, plaintext []byte) (corevault.Envelope, error) {
	start := time.Now()
	_, sessionKey, err := v.unwrapSessionKey(ctx, userID, keyID, pw)
	if err != nil {
		if v.metrics != nil {
			v.metrics.RecordEncryptionFailure(userID)
		}
		return corevault.Envelope{}, err
	}
	defer crypto.Zero(sessionKey)

	iv, ciphertext, err := crypto.EncryptRaw(sessionKey, plaintext)
	if err != nil {
		if v.metrics != nil {
			v.metrics.RecordEncryptionFailure(userID)
		}
		return corevault.Envelope{}, err
	}
	if v.metrics != nil {
		v.metrics.RecordEncryption(userID, time.Since(start))
	}
	return corevault.Envelope{
		Algorithm:  crypto.AlgorithmAESGCM,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// DecryptWithUserKey unwraps the session key under pw and opens env. A
// wrong password and corrupted ciphertext both surface
// corevault.ErrDecryptionFailed.
func (v *Vault) DecryptWithUserKey(ctx context.Context, userID, keyID, pw string, env corevault.Envelope) ([]byte, error) {
	_, sessionKey, err := v.unwrapSessionKey(ctx, userID, keyID, pw)
	if err != nil {
		if v.metrics != nil {
			v.metrics.RecordDecryption(userID, false)
		}
		return nil, err
	}
	defer crypto.Zero(sessionKey)

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		if v.metrics != nil {
			v.metrics.RecordDecryption(userID, false)
		}
		return nil, fmt.Errorf("%w: invalid envelope iv: %v", corevault.ErrDecryptionFailed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		if v.metrics != nil {
			v.metrics.RecordDecryption(userID, false)
		}
		return nil, fmt.Errorf("%w: invalid envelope ciphertext: %v", corevault.ErrDecryptionFailed, err)
	}
	plaintext, err := crypto.DecryptRaw(sessionKey, iv, ciphertext)
	if v.metrics != nil {
		v.metrics.RecordDecryption(userID, err == nil)
	}
	return plaintext, err
}

// RotateOptions controls RotateUserKey's behavior.
type RotateOptions struct {
	Force          bool
	PreserveOldKey bool
	MinRotationAge time.Duration
	ExpiresAt      time.Time
	Metadata       map[string]string
}

// RotateResult names the two keys involved in a rotation, for the caller
// (typically the rotation engine) to drive bulk re-encryption.
type RotateResult struct {
	OldKeyID string
	NewKeyID string
}

// RotateUserKey creates a new key under newPassword, links it to the old
// key via PreviousKeyID, and deactivates the old key unless PreserveOldKey
// is set. It does not re-encrypt any data; that is the rotation engine's
// job once it holds both old and new key material.
func (v *Vault) RotateUserKey(ctx context.Context, userID, oldKeyID, newPassword string, opts RotateOptions) (*RotateResult, error) {
	old, err := v.store.GetUserKey(ctx, userID, oldKeyID)
	if err != nil {
		return nil, err
	}

	minAge := opts.MinRotationAge
	if minAge <= 0 {
		minAge = defaultMinRotationAge
	}
	if !opts.Force && time.Since(old.CreatedAt) < minAge {
		return nil, corevault.NewPolicyViolation(fmt.Sprintf("key age below minimum rotation age of %s", minAge))
	}

	newKey, err := v.CreateUserKey(ctx, userID, old.KeyName+" (rotated)", newPassword, "", opts.ExpiresAt, opts.Metadata)
	if err != nil {
		return nil, err
	}

	rotationReason := "rotation"
	oldKeyID2 := old.KeyID
	if _, err := v.store.UpdateUserKey(ctx, userID, newKey.KeyID, store.UserKeyPatch{
		PreviousKeyID:  &oldKeyID2,
		RotationReason: &rotationReason,
	}); err != nil {
		return nil, fmt.Errorf("%w: recording rotation lineage: %v", corevault.ErrStoreError, err)
	}

	if !opts.PreserveOldKey {
		if err := v.DeactivateKey(ctx, userID, old.KeyID, "rotated"); err != nil {
			return nil, err
		}
	}

	v.logger.Info("user key rotated", "userID", userID, "oldKeyID", old.KeyID, "newKeyID", newKey.KeyID)
	return &RotateResult{OldKeyID: old.KeyID, NewKeyID: newKey.KeyID}, nil
}

// DeactivateKey marks a key inactive with a reason, without deleting it.
func (v *Vault) DeactivateKey(ctx context.Context, userID, keyID, reason string) error {
	now := time.Now().UTC()
	isActive := false
	_, err := v.store.UpdateUserKey(ctx, userID, keyID, store.UserKeyPatch{
		IsActive:           &isActive,
		DeactivatedAt:      &now,
		DeactivationReason: &reason,
	})
	if err != nil {
		return fmt.Errorf("%w: deactivating key: %v", corevault.ErrStoreError, err)
	}
	return nil
}

// ListUserKeys passes through to the backing store.
func (v *Vault) ListUserKeys(ctx context.Context, userID string, includeInactive bool) ([]*corevault.UserKey, error) {
	keys, err := v.store.ListUserKeys(ctx, userID, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("%w: listing keys: %v", corevault.ErrStoreError, err)
	}
	return keys, nil
}

// AuditIssue is one penalized finding in a SecurityAuditReport.
type AuditIssue struct {
	KeyID       string
	Description string
	Penalty     int
}

// SecurityAuditReport is the typed result of SecurityAudit, per
// spec.md §4.3 and SPEC_FULL.md's supplemental feature 3.
type SecurityAuditReport struct {
	Score  int
	Issues []AuditIssue
}

// SecurityAudit derives a 0..100 score for userID's active keys, with
// explicit penalties per spec.md §4.3.
func (v *Vault) SecurityAudit(ctx context.Context, userID string) (*SecurityAuditReport, error) {
	keys, err := v.store.ListUserKeys(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: listing keys: %v", corevault.ErrStoreError, err)
	}

	score := 100
	var issues []AuditIssue
	activeCount := 0

	for _, k := range keys {
		if !k.IsActive {
			continue
		}
		activeCount++

		if k.IsExpired() {
			score -= 20
			issues = append(issues, AuditIssue{KeyID: k.KeyID, Description: "key has expired", Penalty: 20})
		}
		if k.KDFIterations < weakIterationThreshold {
			score -= 15
			issues = append(issues, AuditIssue{KeyID: k.KeyID, Description: "key uses a weak KDF iteration count", Penalty: 15})
		}
		if time.Since(k.CreatedAt) > auditKeyOlderThan {
			score -= 10
			issues = append(issues, AuditIssue{KeyID: k.KeyID, Description: "key is older than 60 days", Penalty: 10})
		}
	}

	if activeCount > auditMaxActiveKeys {
		score -= 10
		issues = append(issues, AuditIssue{Description: "more than 5 active keys", Penalty: 10})
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &SecurityAuditReport{Score: score, Issues: issues}, nil
}

// CleanupResult reports the outcome of CleanupExpired.
type CleanupResult struct {
	Deleted   []string
	Preserved []string
}

// CleanupExpired hard-deletes keys whose grace period has elapsed and that
// no live Session references (via Session.EncryptedKeyRef -- Checkpoints
// carry no independent key reference and are deleted in cascade with their
// owning Session, so checking sessions alone is sufficient). Keys still
// referenced are preserved and annotated instead of deleted.
func (v *Vault) CleanupExpired(ctx context.Context, userID string, graceDays int) (*CleanupResult, error) {
	keys, err := v.store.ListUserKeys(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: listing keys: %v", corevault.ErrStoreError, err)
	}

	sessions, err := v.store.ListSessions(ctx, store.SessionFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("%w: listing sessions: %v", corevault.ErrStoreError, err)
	}
	referenced := make(map[string]bool, len(sessions.Items))
	for _, s := range sessions.Items {
		if s.EncryptedKeyRef != "" {
			referenced[s.EncryptedKeyRef] = true
		}
	}

	grace := time.Duration(graceDays) * 24 * time.Hour
	now := time.Now()
	result := &CleanupResult{}

	for _, k := range keys {
		if k.ExpiresAt.IsZero() || !k.ExpiresAt.Add(grace).Before(now) {
			continue
		}

		if referenced[k.KeyID] {
			if k.Metadata == nil {
				k.Metadata = map[string]string{}
			}
			k.Metadata["cleanup_status"] = "preserved: referenced by a live session"
			if _, err := v.store.UpdateUserKey(ctx, userID, k.KeyID, store.UserKeyPatch{Metadata: k.Metadata}); err != nil {
				return nil, fmt.Errorf("%w: annotating preserved key: %v", corevault.ErrStoreError, err)
			}
			result.Preserved = append(result.Preserved, k.KeyID)
			continue
		}

		if err := v.store.DeleteUserKey(ctx, userID, k.KeyID); err != nil {
			return nil, fmt.Errorf("%w: deleting expired key: %v", corevault.ErrStoreError, err)
		}
		result.Deleted = append(result.Deleted, k.KeyID)
	}

	return result, nil
}
