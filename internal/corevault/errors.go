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

package corevault

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the error kinds enumerated in the core's error
// taxonomy. Callers should test with errors.Is; PolicyViolation and
// StructuralCorruption are usually wrapped in their typed counterparts
// below to carry the aggregated reason list.
var (
	ErrPolicyViolation    = errors.New("policy violation")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrStructuralCorrupt  = errors.New("structural corruption")
	ErrSessionTooLarge    = errors.New("session too large")
	ErrNotFound           = errors.New("not found")
	ErrVersionMismatch    = errors.New("version mismatch")
	ErrStoreError         = errors.New("store error")
	ErrCancelled          = errors.New("cancelled")

	// ErrKeyNameTaken indicates the requested key name collides with an
	// existing active key for the same user. It wraps ErrPolicyViolation.
	ErrKeyNameTaken = fmt.Errorf("%w: key name already in use", ErrPolicyViolation)
	// ErrKeyLimitExceeded indicates the user already has the maximum
	// number of active keys. It wraps ErrPolicyViolation.
	ErrKeyLimitExceeded = fmt.Errorf("%w: active key limit exceeded", ErrPolicyViolation)
)

// PolicyViolationError aggregates every reason a request failed policy
// (password policy, key naming, key limits). Errors are never
// short-circuited after the first violation.
type PolicyViolationError struct {
	Reasons []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", strings.Join(e.Reasons, "; "))
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// NewPolicyViolation builds a PolicyViolationError from one or more reasons.
func NewPolicyViolation(reasons ...string) *PolicyViolationError {
	return &PolicyViolationError{Reasons: reasons}
}

// StructuralCorruptionError records which required sequences or fields were
// missing from a decoded workspace state.
type StructuralCorruptionError struct {
	Reasons []string
}

func (e *StructuralCorruptionError) Error() string {
	return fmt.Sprintf("structural corruption: %s", strings.Join(e.Reasons, "; "))
}

func (e *StructuralCorruptionError) Unwrap() error { return ErrStructuralCorrupt }

// NewStructuralCorruption builds a StructuralCorruptionError.
func NewStructuralCorruption(reasons ...string) *StructuralCorruptionError {
	return &StructuralCorruptionError{Reasons: reasons}
}

// IsRecoverable reports whether an error's message content marks it as
// something the recovery ladder may attempt to work around, per spec.md
// §4.6's validate() policy: checksum/deserialization/decryption/parsing/
// structure/corruption errors are recoverable; everything else (network,
// permission, ...) is not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrStructuralCorrupt) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"checksum", "deserialization", "decryption", "parsing", "structure", "corrupted"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
