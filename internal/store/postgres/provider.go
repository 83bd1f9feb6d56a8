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

// Package postgres implements store.Store on top of PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/pgutil"
	"github.com/corevault/workspacevault/internal/store"
)

// Provider implements store.Store using PostgreSQL.
type Provider struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

var _ store.Store = (*Provider)(nil)

// New creates a Provider that owns the underlying connection pool. The pool is
// created from cfg and verified with a PING. Close will shut down the pool.
func New(cfg Config) (*Provider, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Provider{pool: pool, ownsPool: true}, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op because the
// caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool, ownsPool: false}
}

const sessionColumns = `id, user_id, workspace_id, name, workspace_state, state_checksum,
	version, last_saved_at, expires_at, encrypted_key_ref, is_active`

func scanSession(row pgx.Row) (*corevault.Session, error) {
	var s corevault.Session
	var expiresAt *time.Time

	err := row.Scan(
		&s.ID, &s.UserID, &s.WorkspaceID, &s.Name, &s.WorkspaceState, &s.StateChecksum,
		&s.Version, &s.LastSavedAt, &expiresAt, &s.EncryptedKeyRef, &s.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corevault.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan session: %w", err)
	}
	s.ExpiresAt = pgutil.TimeOrZero(expiresAt)
	return &s, nil
}

func (p *Provider) GetSession(ctx context.Context, id string) (*corevault.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id=$1 LIMIT 1`
	return scanSession(p.pool.QueryRow(ctx, query, id))
}

func (p *Provider) PutSession(ctx context.Context, s *corevault.Session) error {
	query := `INSERT INTO sessions (id, user_id, workspace_id, name, workspace_state, state_checksum,
		version, last_saved_at, expires_at, encrypted_key_ref, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			user_id=$2, workspace_id=$3, name=$4, workspace_state=$5, state_checksum=$6,
			version=$7, last_saved_at=$8, expires_at=$9, encrypted_key_ref=$10, is_active=$11`

	_, err := p.pool.Exec(ctx, query,
		s.ID, s.UserID, s.WorkspaceID, s.Name, s.WorkspaceState, s.StateChecksum,
		s.Version, s.LastSavedAt, pgutil.NullTime(s.ExpiresAt), s.EncryptedKeyRef, s.IsActive,
	)
	if err != nil {
		return fmt.Errorf("postgres: put session: %w", err)
	}
	return nil
}

func (p *Provider) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (*corevault.Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	applySessionPatch(s, patch)

	_, err = tx.Exec(ctx, `UPDATE sessions SET
		workspace_state=$2, state_checksum=$3, version=$4, last_saved_at=$5, expires_at=$6,
		encrypted_key_ref=$7, is_active=$8 WHERE id=$1`,
		s.ID, s.WorkspaceState, s.StateChecksum, s.Version, s.LastSavedAt,
		pgutil.NullTime(s.ExpiresAt), s.EncryptedKeyRef, s.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: update session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit update session: %w", err)
	}
	return s, nil
}

func applySessionPatch(s *corevault.Session, patch store.SessionPatch) {
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

func (p *Provider) DeleteSession(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM checkpoints WHERE session_id=$1", id); err != nil {
		return fmt.Errorf("postgres: delete checkpoints: %w", err)
	}

	res, err := tx.Exec(ctx, "DELETE FROM sessions WHERE id=$1", id)
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if res.RowsAffected() == 0 {
		return corevault.ErrNotFound
	}
	return tx.Commit(ctx)
}

func (p *Provider) ListSessions(ctx context.Context, filter store.SessionFilter) (*store.SessionPage, error) {
	qb := &pgutil.QueryBuilder{}
	applySessionFilters(qb, filter)

	query := `SELECT ` + sessionColumns + `, count(*) OVER() FROM sessions WHERE 1=1` + qb.Where() +
		` ORDER BY id`
	query = qb.AppendPagination(query, filter.Limit, filter.Offset)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var items []*corevault.Session
	var total int64
	for rows.Next() {
		var s corevault.Session
		var expiresAt *time.Time
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.WorkspaceID, &s.Name, &s.WorkspaceState, &s.StateChecksum,
			&s.Version, &s.LastSavedAt, &expiresAt, &s.EncryptedKeyRef, &s.IsActive, &total,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		s.ExpiresAt = pgutil.TimeOrZero(expiresAt)
		items = append(items, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return &store.SessionPage{Items: items, Total: int(total)}, nil
}

func (p *Provider) CountSessions(ctx context.Context, filter store.SessionFilter) (int, error) {
	qb := &pgutil.QueryBuilder{}
	applySessionFilters(qb, filter)
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE 1=1`+qb.Where(), qb.Args()...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count sessions: %w", err)
	}
	return int(count), nil
}

func applySessionFilters(qb *pgutil.QueryBuilder, f store.SessionFilter) {
	if f.UserID != "" {
		qb.Add("user_id=$?", f.UserID)
	}
	if f.WorkspaceID != "" {
		qb.Add("workspace_id=$?", f.WorkspaceID)
	}
	if f.IsActive != nil {
		qb.Add("is_active=$?", *f.IsActive)
	}
}

const checkpointColumns = `id, session_id, name, description, workspace_state, state_checksum,
	compressed_size, uncompressed_size, priority, tags, is_auto_generated, created_at, metadata`

func scanCheckpoint(row pgx.Row) (*corevault.Checkpoint, error) {
	var c corevault.Checkpoint
	var metadataJSON []byte

	err := row.Scan(
		&c.ID, &c.SessionID, &c.Name, &c.Description, &c.WorkspaceState, &c.StateChecksum,
		&c.CompressedSize, &c.UncompressedSize, &c.Priority, &c.Tags, &c.IsAutoGenerated,
		&c.CreatedAt, &metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corevault.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
	}
	c.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	return &c, nil
}

func (p *Provider) GetCheckpoint(ctx context.Context, id string) (*corevault.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE id=$1 LIMIT 1`
	return scanCheckpoint(p.pool.QueryRow(ctx, query, id))
}

func (p *Provider) ListCheckpoints(ctx context.Context, filter store.CheckpointFilter) (*store.CheckpointPage, error) {
	qb := &pgutil.QueryBuilder{}
	if filter.SessionID != "" {
		qb.Add("session_id=$?", filter.SessionID)
	}
	if len(filter.Tags) > 0 {
		qb.Add("tags && $?", filter.Tags)
	}

	query := `SELECT ` + checkpointColumns + `, count(*) OVER() FROM checkpoints WHERE 1=1` + qb.Where() +
		` ORDER BY created_at DESC`
	query = qb.AppendPagination(query, filter.Limit, filter.Offset)

	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var items []*corevault.Checkpoint
	var total int64
	for rows.Next() {
		var c corevault.Checkpoint
		var metadataJSON []byte
		if err := rows.Scan(
			&c.ID, &c.SessionID, &c.Name, &c.Description, &c.WorkspaceState, &c.StateChecksum,
			&c.CompressedSize, &c.UncompressedSize, &c.Priority, &c.Tags, &c.IsAutoGenerated,
			&c.CreatedAt, &metadataJSON, &total,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		c.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
		items = append(items, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate checkpoints: %w", err)
	}
	return &store.CheckpointPage{Items: items, Total: int(total)}, nil
}

func (p *Provider) PutCheckpoint(ctx context.Context, c *corevault.Checkpoint) error {
	var exists bool
	err := p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM checkpoints WHERE session_id=$1 AND name=$2 AND id<>$3)",
		c.SessionID, c.Name, c.ID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check checkpoint name: %w", err)
	}
	if exists {
		return corevault.NewPolicyViolation("checkpoint name already used for this session")
	}

	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `INSERT INTO checkpoints (id, session_id, name, description, workspace_state, state_checksum,
		compressed_size, uncompressed_size, priority, tags, is_auto_generated, created_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			name=$3, description=$4, workspace_state=$5, state_checksum=$6,
			compressed_size=$7, uncompressed_size=$8, priority=$9, tags=$10,
			is_auto_generated=$11, metadata=$13`

	_, err = p.pool.Exec(ctx, query,
		c.ID, c.SessionID, c.Name, c.Description, c.WorkspaceState, c.StateChecksum,
		c.CompressedSize, c.UncompressedSize, c.Priority, tags, c.IsAutoGenerated, c.CreatedAt,
		pgutil.MarshalJSONB(c.Metadata),
	)
	if err != nil {
		return fmt.Errorf("postgres: put checkpoint: %w", err)
	}
	return nil
}

func (p *Provider) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := p.pool.Exec(ctx, "DELETE FROM checkpoints WHERE id=$1", id)
	if err != nil {
		return fmt.Errorf("postgres: delete checkpoint: %w", err)
	}
	if res.RowsAffected() == 0 {
		return corevault.ErrNotFound
	}
	return nil
}

func (p *Provider) CountCheckpoints(ctx context.Context, filter store.CheckpointFilter) (int, error) {
	qb := &pgutil.QueryBuilder{}
	if filter.SessionID != "" {
		qb.Add("session_id=$?", filter.SessionID)
	}
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM checkpoints WHERE 1=1`+qb.Where(), qb.Args()...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count checkpoints: %w", err)
	}
	return int(count), nil
}

const userKeyColumns = `user_id, key_id, key_name, wrapped_session_key, salt, iv, kdf_algorithm,
	kdf_iterations, cipher_algorithm, is_active, created_at, last_used_at, expires_at,
	deactivated_at, deactivation_reason, metadata, previous_key_id, rotation_reason`

func scanUserKey(row pgx.Row) (*corevault.UserKey, error) {
	var k corevault.UserKey
	var wrappedJSON []byte
	var lastUsedAt, expiresAt, deactivatedAt *time.Time
	var metadataJSON []byte

	err := row.Scan(
		&k.UserID, &k.KeyID, &k.KeyName, &wrappedJSON, &k.Salt, &k.IV, &k.KDFAlgorithm,
		&k.KDFIterations, &k.CipherAlgorithm, &k.IsActive, &k.CreatedAt, &lastUsedAt, &expiresAt,
		&deactivatedAt, &k.DeactivationReason, &metadataJSON, &k.PreviousKeyID, &k.RotationReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, corevault.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan user key: %w", err)
	}
	if len(wrappedJSON) > 0 {
		_ = json.Unmarshal(wrappedJSON, &k.WrappedSessionKey)
	}
	k.LastUsedAt = pgutil.TimeOrZero(lastUsedAt)
	k.ExpiresAt = pgutil.TimeOrZero(expiresAt)
	k.DeactivatedAt = pgutil.TimeOrZero(deactivatedAt)
	k.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	return &k, nil
}

func (p *Provider) GetUserKey(ctx context.Context, userID, keyID string) (*corevault.UserKey, error) {
	query := `SELECT ` + userKeyColumns + ` FROM user_keys WHERE user_id=$1 AND key_id=$2 LIMIT 1`
	return scanUserKey(p.pool.QueryRow(ctx, query, userID, keyID))
}

func (p *Provider) ListUserKeys(ctx context.Context, userID string, includeInactive bool) ([]*corevault.UserKey, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("user_id=$?", userID)
	if !includeInactive {
		qb.Add("is_active=$?", true)
	}

	query := `SELECT ` + userKeyColumns + ` FROM user_keys WHERE 1=1` + qb.Where() + ` ORDER BY created_at ASC`
	rows, err := p.pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list user keys: %w", err)
	}
	defer rows.Close()

	var keys []*corevault.UserKey
	for rows.Next() {
		k, err := scanUserKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate user keys: %w", err)
	}
	return keys, nil
}

func (p *Provider) PutUserKey(ctx context.Context, k *corevault.UserKey) error {
	if k.IsActive {
		var exists bool
		err := p.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM user_keys WHERE user_id=$1 AND key_name=$2 AND is_active AND key_id<>$3)",
			k.UserID, k.KeyName, k.KeyID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check key name: %w", err)
		}
		if exists {
			return corevault.ErrKeyNameTaken
		}
	}

	wrappedJSON, err := json.Marshal(k.WrappedSessionKey)
	if err != nil {
		return fmt.Errorf("postgres: marshal wrapped session key: %w", err)
	}

	query := `INSERT INTO user_keys (user_id, key_id, key_name, wrapped_session_key, salt, iv,
		kdf_algorithm, kdf_iterations, cipher_algorithm, is_active, created_at, last_used_at,
		expires_at, deactivated_at, deactivation_reason, metadata, previous_key_id, rotation_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (user_id, key_id) DO UPDATE SET
			key_name=$3, wrapped_session_key=$4, salt=$5, iv=$6, kdf_algorithm=$7,
			kdf_iterations=$8, cipher_algorithm=$9, is_active=$10, last_used_at=$12,
			expires_at=$13, deactivated_at=$14, deactivation_reason=$15, metadata=$16,
			previous_key_id=$17, rotation_reason=$18`

	_, err = p.pool.Exec(ctx, query,
		k.UserID, k.KeyID, k.KeyName, wrappedJSON, k.Salt, k.IV, k.KDFAlgorithm,
		k.KDFIterations, k.CipherAlgorithm, k.IsActive, k.CreatedAt, pgutil.NullTime(k.LastUsedAt),
		pgutil.NullTime(k.ExpiresAt), pgutil.NullTime(k.DeactivatedAt), pgutil.NullString(k.DeactivationReason),
		pgutil.MarshalJSONB(k.Metadata), pgutil.NullString(k.PreviousKeyID), pgutil.NullString(k.RotationReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: put user key: %w", err)
	}
	return nil
}

func (p *Provider) UpdateUserKey(ctx context.Context, userID, keyID string, patch store.UserKeyPatch) (*corevault.UserKey, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + userKeyColumns + ` FROM user_keys WHERE user_id=$1 AND key_id=$2 FOR UPDATE`
	k, err := scanUserKey(tx.QueryRow(ctx, query, userID, keyID))
	if err != nil {
		return nil, err
	}
	applyUserKeyPatch(k, patch)

	_, err = tx.Exec(ctx, `UPDATE user_keys SET is_active=$3, last_used_at=$4, deactivated_at=$5,
		deactivation_reason=$6, previous_key_id=$7, rotation_reason=$8, metadata=$9
		WHERE user_id=$1 AND key_id=$2`,
		k.UserID, k.KeyID, k.IsActive, pgutil.NullTime(k.LastUsedAt), pgutil.NullTime(k.DeactivatedAt),
		pgutil.NullString(k.DeactivationReason), pgutil.NullString(k.PreviousKeyID), pgutil.NullString(k.RotationReason),
		pgutil.MarshalJSONB(k.Metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: update user key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit update user key: %w", err)
	}
	return k, nil
}

func applyUserKeyPatch(k *corevault.UserKey, patch store.UserKeyPatch) {
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

func (p *Provider) DeleteUserKey(ctx context.Context, userID, keyID string) error {
	res, err := p.pool.Exec(ctx, "DELETE FROM user_keys WHERE user_id=$1 AND key_id=$2", userID, keyID)
	if err != nil {
		return fmt.Errorf("postgres: delete user key: %w", err)
	}
	if res.RowsAffected() == 0 {
		return corevault.ErrNotFound
	}
	return nil
}

func (p *Provider) GetSessionVersion(ctx context.Context, sessionID string) (uint64, error) {
	var version uint64
	err := p.pool.QueryRow(ctx, "SELECT version FROM sessions WHERE id=$1", sessionID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, corevault.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: get session version: %w", err)
	}
	return version, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
