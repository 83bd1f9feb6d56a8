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

// Package codec implements the state codec (C5): canonical serialization of
// a workspace state, optional compression, optional envelope encryption
// under a raw session key, checksum binding, and an advisory delta mode.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/crypto"
)

// DefaultMaxSessionSize is the default cap on a state's uncompressed byte
// size, per spec.md §4.5.
const DefaultMaxSessionSize = 50 * 1024 * 1024

// WireRecord is the self-describing persisted wire format: it records
// enough about how the payload was produced (compressed, encrypted, full
// vs. delta) that Deserialize/ApplyDelta never have to guess.
type WireRecord struct {
	IsFull     bool   `json:"isFull"`
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
	Algorithm  string `json:"algorithm,omitempty"`
	IV         string `json:"iv,omitempty"`
	Ciphertext string `json:"ciphertext"`
}

// SerializeResult is the outcome of Serialize/SerializeIncremental.
type SerializeResult struct {
	Bytes            []byte
	Checksum         string
	CompressedSize   int64
	UncompressedSize int64
	Compressed       bool
	Encrypted        bool
	IsFull           bool
	BaseChecksum     string // set when IsFull is false
}

// deltaPayload is the canonical shape of a delta serialization: newly
// appended log entries per section plus a wholesale replacement of the two
// free-form maps (which are not append-only and cannot be diffed generically).
type deltaPayload struct {
	BaseChecksum     string                          `json:"baseChecksum"`
	AddedTerminal    []corevault.TerminalEntry        `json:"addedTerminal,omitempty"`
	AddedBrowserTabs []corevault.BrowserTab            `json:"addedBrowserTabs,omitempty"`
	AddedAIState     []corevault.AIConversationEntry   `json:"addedAIState,omitempty"`
	AddedFileState   []corevault.OpenFileEntry         `json:"addedFileState,omitempty"`
	Config           map[string]any                   `json:"config,omitempty"`
	Metadata         map[string]any                   `json:"metadata,omitempty"`
}

// Codec serializes and deserializes WorkspaceState values.
type Codec struct {
	maxSessionSize     int64
	compressionEnabled bool
	logger             logr.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New builds a Codec. maxSessionSize <= 0 uses DefaultMaxSessionSize.
func New(maxSessionSize int64, compressionEnabled bool, logger logr.Logger) (*Codec, error) {
	if maxSessionSize <= 0 {
		maxSessionSize = DefaultMaxSessionSize
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("building zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("building zstd decoder: %w", err)
	}
	return &Codec{
		maxSessionSize:     maxSessionSize,
		compressionEnabled: compressionEnabled,
		logger:             logger,
		encoder:            enc,
		decoder:            dec,
	}, nil
}

// Close releases the codec's zstd resources.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// Serialize canonicalizes state to a deterministic byte encoding, enforces
// the size cap, optionally compresses, and optionally AEAD-encrypts under
// sessionKey (nil skips encryption).
func (c *Codec) Serialize(state *corevault.WorkspaceState, sessionKey []byte) (*SerializeResult, error) {
	canonical, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing workspace state: %w", err)
	}
	if int64(len(canonical)) > c.maxSessionSize {
		return nil, fmt.Errorf("%w: uncompressed size %d exceeds limit %d", corevault.ErrSessionTooLarge, len(canonical), c.maxSessionSize)
	}

	return c.seal(canonical, int64(len(canonical)), sessionKey, true, "")
}

// SerializeIncremental attempts to express state as a delta against
// previous, referencing previousChecksum. Deltas only cover appended log
// entries; any change to Config or Metadata is carried in full since those
// maps are not append-only. Callers (the Recovery Engine in particular) may
// always ignore IsFull=false and fall back to a full Serialize.
func (c *Codec) SerializeIncremental(state, previous *corevault.WorkspaceState, previousChecksum string, sessionKey []byte) (*SerializeResult, error) {
	if previous == nil || previousChecksum == "" {
		return c.Serialize(state, sessionKey)
	}

	delta, ok := diffAppendOnly(state, previous)
	if !ok {
		return c.Serialize(state, sessionKey)
	}
	delta.BaseChecksum = previousChecksum

	payload, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing delta: %w", err)
	}

	result, err := c.seal(payload, int64(len(payload)), sessionKey, false, previousChecksum)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// seal compresses (if enabled) and encrypts (if sessionKey is non-nil) a
// canonical payload, wraps it in a WireRecord, and binds a checksum over
// the final persisted bytes.
func (c *Codec) seal(canonical []byte, uncompressedSize int64, sessionKey []byte, isFull bool, baseChecksum string) (*SerializeResult, error) {
	payload := canonical
	compressed := false
	if c.compressionEnabled {
		payload = c.encoder.EncodeAll(canonical, nil)
		compressed = true
	}

	wire := WireRecord{IsFull: isFull, Compressed: compressed}

	if sessionKey != nil {
		iv, ciphertext, err := crypto.EncryptRaw(sessionKey, payload)
		if err != nil {
			return nil, err
		}
		wire.Encrypted = true
		wire.Algorithm = crypto.AlgorithmAESGCM
		wire.IV = base64.StdEncoding.EncodeToString(iv)
		wire.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	} else {
		wire.Ciphertext = base64.StdEncoding.EncodeToString(payload)
	}

	finalBytes, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling wire record: %w", err)
	}

	return &SerializeResult{
		Bytes:            finalBytes,
		Checksum:         crypto.Hash(finalBytes),
		CompressedSize:   int64(len(payload)),
		UncompressedSize: uncompressedSize,
		Compressed:       compressed,
		Encrypted:        sessionKey != nil,
		IsFull:           isFull,
		BaseChecksum:     baseChecksum,
	}, nil
}

// Deserialize verifies the checksum first, then decrypts/decompresses/
// decodes a full serialization. A checksum mismatch surfaces through the
// recovery ladder rather than as silent success. Deserialize refuses a
// delta payload (IsFull=false) -- callers must route those to ApplyDelta.
func (c *Codec) Deserialize(bytes []byte, expectedChecksum string, sessionKey []byte) (*corevault.WorkspaceState, error) {
	if !crypto.VerifyHash(bytes, expectedChecksum) {
		return nil, corevault.ErrChecksumMismatch
	}

	var wire WireRecord
	if err := json.Unmarshal(bytes, &wire); err != nil {
		return nil, corevault.NewStructuralCorruption("wire record is not valid JSON: " + err.Error())
	}
	if !wire.IsFull {
		return nil, fmt.Errorf("%w: payload is a delta, use ApplyDelta", corevault.ErrStructuralCorrupt)
	}

	canonical, err := c.open(wire, sessionKey)
	if err != nil {
		return nil, err
	}

	var state corevault.WorkspaceState
	if err := json.Unmarshal(canonical, &state); err != nil {
		return nil, corevault.NewStructuralCorruption("workspace state payload is not valid: " + err.Error())
	}
	return &state, nil
}

// ApplyDelta verifies the checksum, decodes a delta payload, and applies it
// on top of base. base's checksum must equal the delta's recorded
// BaseChecksum, or the delta is refused as stale.
func (c *Codec) ApplyDelta(bytes []byte, expectedChecksum string, base *corevault.WorkspaceState, baseChecksum string, sessionKey []byte) (*corevault.WorkspaceState, error) {
	if !crypto.VerifyHash(bytes, expectedChecksum) {
		return nil, corevault.ErrChecksumMismatch
	}

	var wire WireRecord
	if err := json.Unmarshal(bytes, &wire); err != nil {
		return nil, corevault.NewStructuralCorruption("wire record is not valid JSON: " + err.Error())
	}
	if wire.IsFull {
		return c.Deserialize(bytes, expectedChecksum, sessionKey)
	}

	canonical, err := c.open(wire, sessionKey)
	if err != nil {
		return nil, err
	}

	var delta deltaPayload
	if err := json.Unmarshal(canonical, &delta); err != nil {
		return nil, corevault.NewStructuralCorruption("delta payload is not valid: " + err.Error())
	}
	if delta.BaseChecksum != baseChecksum {
		return nil, fmt.Errorf("%w: delta's base checksum does not match the supplied base", corevault.ErrStructuralCorrupt)
	}

	return applyDelta(base, &delta), nil
}

func (c *Codec) open(wire WireRecord, sessionKey []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return nil, corevault.NewStructuralCorruption("payload is not valid base64")
	}

	payload := raw
	if wire.Encrypted {
		if sessionKey == nil {
			return nil, fmt.Errorf("%w: payload is encrypted but no session key was supplied", corevault.ErrDecryptionFailed)
		}
		iv, err := base64.StdEncoding.DecodeString(wire.IV)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid iv encoding", corevault.ErrDecryptionFailed)
		}
		payload, err = crypto.DecryptRaw(sessionKey, iv, raw)
		if err != nil {
			return nil, err
		}
	}

	if wire.Compressed {
		decompressed, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompression failed: %v", corevault.ErrStructuralCorrupt, err)
		}
		payload = decompressed
	}

	return payload, nil
}

// diffAppendOnly builds a delta assuming each log section only ever grows
// by appending to the end of the previous state's slice. If any prior
// entry changed or was removed, the append-only assumption is violated and
// the caller should fall back to a full serialization.
func diffAppendOnly(state, previous *corevault.WorkspaceState) (*deltaPayload, bool) {
	terminalAdded, ok := appendedSuffix(previous.TerminalState, state.TerminalState)
	if !ok {
		return nil, false
	}
	browserAdded, ok := appendedSuffix(previous.BrowserTabs, state.BrowserTabs)
	if !ok {
		return nil, false
	}
	aiAdded, ok := appendedSuffix(previous.AIState, state.AIState)
	if !ok {
		return nil, false
	}
	filesAdded, ok := appendedSuffix(previous.FileState, state.FileState)
	if !ok {
		return nil, false
	}

	delta := &deltaPayload{
		AddedTerminal:    terminalAdded,
		AddedBrowserTabs: browserAdded,
		AddedAIState:     aiAdded,
		AddedFileState:   filesAdded,
	}
	if !mapsEqual(previous.Config, state.Config) {
		delta.Config = state.Config
	}
	if !mapsEqual(previous.Metadata, state.Metadata) {
		delta.Metadata = state.Metadata
	}
	return delta, true
}

func appendedSuffix[T any](previous, current []T) ([]T, bool) {
	if len(current) < len(previous) {
		return nil, false
	}
	for i := range previous {
		pj, _ := json.Marshal(previous[i])
		cj, _ := json.Marshal(current[i])
		if string(pj) != string(cj) {
			return nil, false
		}
	}
	return current[len(previous):], true
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		aj, _ := json.Marshal(v)
		bj, _ := json.Marshal(bv)
		if string(aj) != string(bj) {
			return false
		}
	}
	return true
}

func applyDelta(base *corevault.WorkspaceState, delta *deltaPayload) *corevault.WorkspaceState {
	merged := &corevault.WorkspaceState{
		TerminalState: append(append([]corevault.TerminalEntry(nil), base.TerminalState...), delta.AddedTerminal...),
		BrowserTabs:   append(append([]corevault.BrowserTab(nil), base.BrowserTabs...), delta.AddedBrowserTabs...),
		AIState:       append(append([]corevault.AIConversationEntry(nil), base.AIState...), delta.AddedAIState...),
		FileState:     append(append([]corevault.OpenFileEntry(nil), base.FileState...), delta.AddedFileState...),
		Config:        base.Config,
		Metadata:      base.Metadata,
	}
	if delta.Config != nil {
		merged.Config = delta.Config
	}
	if delta.Metadata != nil {
		merged.Metadata = delta.Metadata
	}
	return merged
}
