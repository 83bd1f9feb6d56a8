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

// Package redis wraps a durable store.Store with a Redis-backed read cache
// for sessions and user keys. Only GetSession and GetUserKey are served
// from the cache; checkpoint reads, version lookups and filtered listings
// always go to the backing store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/store"
)

// CachingStore implements store.Store by caching GetSession/GetUserKey
// results in Redis, rewriting the cached entry on every session or key
// write and removing it on delete. It never becomes the
// durable source of truth: a cache miss or a Redis outage falls through to
// the backing store.
type CachingStore struct {
	backing    store.Store
	client     goredis.UniversalClient
	keyPrefix  string
	ttl        time.Duration
	ownsClient bool
}

var _ store.Store = (*CachingStore)(nil)

// New creates a CachingStore that owns the underlying Redis client. The
// client is created from cfg and verified with a PING. Close shuts down
// both the client and the backing store.
func New(backing store.Store, cfg Config) (*CachingStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis: at least one address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLS,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := goredis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	return &CachingStore{backing: backing, client: client, keyPrefix: prefix, ttl: ttl, ownsClient: true}, nil
}

// NewFromClient wraps an existing UniversalClient. Close will not close the
// client because the caller retains ownership of it.
func NewFromClient(backing store.Store, client goredis.UniversalClient, keyPrefix string, ttl time.Duration) *CachingStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &CachingStore{backing: backing, client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *CachingStore) sessionKey(id string) string {
	return c.keyPrefix + "session:{" + id + "}"
}

func (c *CachingStore) userKeyKey(userID, keyID string) string {
	return c.keyPrefix + "userkey:{" + userID + "}:" + keyID
}

func (c *CachingStore) GetSession(ctx context.Context, id string) (*corevault.Session, error) {
	data, err := c.client.Get(ctx, c.sessionKey(id)).Bytes()
	if err == nil {
		var s corevault.Session
		if json.Unmarshal(data, &s) == nil {
			return &s, nil
		}
	}
	s, err := c.backing.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cacheSession(ctx, s)
	return s, nil
}

func (c *CachingStore) cacheSession(ctx context.Context, s *corevault.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.sessionKey(s.ID), data, c.ttl).Err()
}

func (c *CachingStore) PutSession(ctx context.Context, s *corevault.Session) error {
	if err := c.backing.PutSession(ctx, s); err != nil {
		return err
	}
	c.cacheSession(ctx, s)
	return nil
}

func (c *CachingStore) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) (*corevault.Session, error) {
	s, err := c.backing.UpdateSession(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.cacheSession(ctx, s)
	return s, nil
}

func (c *CachingStore) DeleteSession(ctx context.Context, id string) error {
	if err := c.backing.DeleteSession(ctx, id); err != nil {
		return err
	}
	_ = c.client.Del(ctx, c.sessionKey(id)).Err()
	return nil
}

func (c *CachingStore) ListSessions(ctx context.Context, filter store.SessionFilter) (*store.SessionPage, error) {
	return c.backing.ListSessions(ctx, filter)
}

func (c *CachingStore) CountSessions(ctx context.Context, filter store.SessionFilter) (int, error) {
	return c.backing.CountSessions(ctx, filter)
}

func (c *CachingStore) GetCheckpoint(ctx context.Context, id string) (*corevault.Checkpoint, error) {
	return c.backing.GetCheckpoint(ctx, id)
}

func (c *CachingStore) ListCheckpoints(ctx context.Context, filter store.CheckpointFilter) (*store.CheckpointPage, error) {
	return c.backing.ListCheckpoints(ctx, filter)
}

func (c *CachingStore) PutCheckpoint(ctx context.Context, cp *corevault.Checkpoint) error {
	return c.backing.PutCheckpoint(ctx, cp)
}

func (c *CachingStore) DeleteCheckpoint(ctx context.Context, id string) error {
	return c.backing.DeleteCheckpoint(ctx, id)
}

func (c *CachingStore) CountCheckpoints(ctx context.Context, filter store.CheckpointFilter) (int, error) {
	return c.backing.CountCheckpoints(ctx, filter)
}

func (c *CachingStore) GetUserKey(ctx context.Context, userID, keyID string) (*corevault.UserKey, error) {
	data, err := c.client.Get(ctx, c.userKeyKey(userID, keyID)).Bytes()
	if err == nil {
		var k corevault.UserKey
		if json.Unmarshal(data, &k) == nil {
			return &k, nil
		}
	}
	k, err := c.backing.GetUserKey(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	c.cacheUserKey(ctx, k)
	return k, nil
}

func (c *CachingStore) cacheUserKey(ctx context.Context, k *corevault.UserKey) {
	data, err := json.Marshal(k)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.userKeyKey(k.UserID, k.KeyID), data, c.ttl).Err()
}

func (c *CachingStore) ListUserKeys(ctx context.Context, userID string, includeInactive bool) ([]*corevault.UserKey, error) {
	return c.backing.ListUserKeys(ctx, userID, includeInactive)
}

func (c *CachingStore) PutUserKey(ctx context.Context, k *corevault.UserKey) error {
	if err := c.backing.PutUserKey(ctx, k); err != nil {
		return err
	}
	c.cacheUserKey(ctx, k)
	return nil
}

func (c *CachingStore) UpdateUserKey(ctx context.Context, userID, keyID string, patch store.UserKeyPatch) (*corevault.UserKey, error) {
	k, err := c.backing.UpdateUserKey(ctx, userID, keyID, patch)
	if err != nil {
		return nil, err
	}
	c.cacheUserKey(ctx, k)
	return k, nil
}

func (c *CachingStore) DeleteUserKey(ctx context.Context, userID, keyID string) error {
	if err := c.backing.DeleteUserKey(ctx, userID, keyID); err != nil {
		return err
	}
	_ = c.client.Del(ctx, c.userKeyKey(userID, keyID)).Err()
	return nil
}

func (c *CachingStore) GetSessionVersion(ctx context.Context, sessionID string) (uint64, error) {
	return c.backing.GetSessionVersion(ctx, sessionID)
}

// RedisClient returns the underlying Redis client. This allows other
// components (e.g. the sync engine's cross-instance event bus) to share the
// same connection without owning it.
func (c *CachingStore) RedisClient() goredis.UniversalClient {
	return c.client
}

func (c *CachingStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *CachingStore) Close() error {
	if c.ownsClient {
		if err := c.client.Close(); err != nil {
			return err
		}
	}
	return c.backing.Close()
}
