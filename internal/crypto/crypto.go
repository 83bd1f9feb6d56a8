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

// Package crypto implements the core's cryptographic primitives: AEAD
// encryption, PBKDF2 key derivation, content hashing and random id/byte
// generation. It is the only package in the module allowed to touch raw
// key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/corevault/workspacevault/internal/corevault"
)

const (
	// AlgorithmAESGCM is the only cipher algorithm this package produces.
	// It is recorded inside every envelope to allow future migration.
	AlgorithmAESGCM = "AES-256-GCM"
	// KDFPBKDF2SHA256 is the only KDF this package produces.
	KDFPBKDF2SHA256 = "PBKDF2-HMAC-SHA256"

	// KeySize is the derived/session key size in bytes (256 bits).
	KeySize = 32
	// SaltSize is the minimum/default salt size in bytes.
	SaltSize = 16
	// NonceSize is the AES-GCM nonce size in bytes (96 bits).
	NonceSize = 12
	// MinIterations is the floor enforced on PBKDF2 iteration counts.
	MinIterations = 100_000
	// DefaultIterations is used when the caller does not override it.
	DefaultIterations = 210_000
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomID returns a random, globally-unique opaque identifier. When prefix
// is non-empty the id is formatted as "<prefix>_<hex>".
func RandomID(prefix string) (string, error) {
	b, err := RandomBytes(16)
	if err != nil {
		return "", err
	}
	id := hex.EncodeToString(b)
	if prefix != "" {
		id = prefix + "_" + id
	}
	return id, nil
}

// Hash returns the lower-case hex SHA-256 digest of data, matching the
// at-rest envelope's checksum format.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether data hashes to expected, using a
// constant-time comparison so checksum verification does not leak timing
// information about where two digests first differ.
func VerifyHash(data []byte, expected string) bool {
	got := Hash(data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over password and salt. iterations must
// be at least MinIterations; callers that need the configured default
// should pass DefaultIterations (or their own config value, which config
// validation rejects when it is below MinIterations).
func DeriveKey(password string, salt []byte, iterations int) ([]byte, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: kdf iterations %d below minimum %d", corevault.ErrPolicyViolation, iterations, MinIterations)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", corevault.ErrPolicyViolation, SaltSize)
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New), nil
}

// Zero overwrites b with zero bytes. Callers must invoke this on every key
// or plaintext buffer before it goes out of scope, including on error paths.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptResult holds the output of Encrypt: everything needed to persist
// and later decrypt the ciphertext.
type EncryptResult struct {
	Ciphertext []byte
	IV         []byte
	Salt       []byte
	Algorithm  string
}

// Encrypt derives a key from password and salt (generating salt when nil)
// and seals plaintext with AES-256-GCM under a freshly random nonce.
func Encrypt(plaintext []byte, password string, salt []byte, iterations int) (*EncryptResult, error) {
	if salt == nil {
		s, err := RandomBytes(SaltSize)
		if err != nil {
			return nil, err
		}
		salt = s
	}

	key, err := DeriveKey(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	iv, ciphertext, err := sealAESGCM(key, plaintext)
	if err != nil {
		return nil, err
	}

	return &EncryptResult{
		Ciphertext: ciphertext,
		IV:         iv,
		Salt:       salt,
		Algorithm:  AlgorithmAESGCM,
	}, nil
}

// Decrypt derives the key from password and the envelope's salt/iterations
// and opens the ciphertext. A mismatched password and a corrupted
// ciphertext are indistinguishable by design: both return
// corevault.ErrDecryptionFailed and MUST NOT be retried.
func Decrypt(env corevault.Envelope, password string, iterations int) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid salt encoding: %v", corevault.ErrDecryptionFailed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid iv encoding: %v", corevault.ErrDecryptionFailed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding: %v", corevault.ErrDecryptionFailed, err)
	}

	key, err := DeriveKey(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	return openAESGCM(key, iv, ciphertext)
}

// DecryptRaw opens ciphertext directly under a raw key (used for unwrapping
// session keys and decrypting workspace state, where the key is already a
// random 256-bit value rather than password-derived).
func DecryptRaw(key, iv, ciphertext []byte) ([]byte, error) {
	return openAESGCM(key, iv, ciphertext)
}

// EncryptRaw seals plaintext directly under a raw key.
func EncryptRaw(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	return sealAESGCM(key, plaintext)
}

// ToEnvelope packages an EncryptResult as the canonical at-rest Envelope.
func (r *EncryptResult) ToEnvelope() corevault.Envelope {
	return corevault.Envelope{
		Algorithm:  r.Algorithm,
		IV:         base64.StdEncoding.EncodeToString(r.IV),
		Salt:       base64.StdEncoding.EncodeToString(r.Salt),
		Ciphertext: base64.StdEncoding.EncodeToString(r.Ciphertext),
	}
}

func sealAESGCM(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: AES cipher creation failed: %v", corevault.ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: GCM creation failed: %v", corevault.ErrDecryptionFailed, err)
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

func openAESGCM(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: AES cipher creation failed: %v", corevault.ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM creation failed: %v", corevault.ErrDecryptionFailed, err)
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		// Auth tag mismatch: wrong password and corrupted ciphertext are
		// deliberately indistinguishable here (spec.md §9 open question).
		return nil, fmt.Errorf("%w: authentication failed", corevault.ErrDecryptionFailed)
	}
	return plaintext, nil
}
