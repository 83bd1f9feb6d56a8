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

package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/corevault/workspacevault/internal/corevault"
	"github.com/corevault/workspacevault/internal/store"
)

var testRedisURL string

// TestMain starts a single shared Redis container for this package's
// integration tests, mirroring the postgres provider's one-container-per-
// package-run setup.
func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	testRedisURL, err = container.ConnectionString(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(code)
}

func newIntegrationCache(t *testing.T) (*CachingStore, *store.MemoryStore) {
	t.Helper()

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	client := goredis.NewClient(opts)

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background())
	})

	backing := store.NewMemoryStore()
	return NewFromClient(backing, client, "wv_it", time.Minute), backing
}

func TestCachingStore_Integration_GetSessionCachesAcrossCalls(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cache, backing := newIntegrationCache(t)
	defer func() { _ = cache.Close() }()
	ctx := context.Background()

	s := &corevault.Session{
		ID:             "sess-1",
		UserID:         "user-1",
		WorkspaceID:    "ws-1",
		WorkspaceState: []byte("cipherbytes"),
		StateChecksum:  "deadbeef",
		Version:        1,
		LastSavedAt:    time.Now().UTC().Truncate(time.Microsecond),
		IsActive:       true,
	}
	require.NoError(t, backing.PutSession(ctx, s))

	got, err := cache.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.UserID, got.UserID)

	cached, err := cache.client.Get(ctx, cache.sessionKey(s.ID)).Result()
	require.NoError(t, err)
	assert.NotEmpty(t, cached)
}

func TestCachingStore_Integration_DeleteInvalidatesCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cache, backing := newIntegrationCache(t)
	defer func() { _ = cache.Close() }()
	ctx := context.Background()

	s := &corevault.Session{
		ID:             "sess-2",
		UserID:         "user-1",
		WorkspaceID:    "ws-1",
		WorkspaceState: []byte("cipherbytes"),
		StateChecksum:  "deadbeef",
		Version:        1,
		LastSavedAt:    time.Now().UTC().Truncate(time.Microsecond),
		IsActive:       true,
	}
	require.NoError(t, backing.PutSession(ctx, s))
	_, err := cache.GetSession(ctx, s.ID)
	require.NoError(t, err)

	require.NoError(t, cache.DeleteSession(ctx, s.ID))

	_, err = cache.client.Get(ctx, cache.sessionKey(s.ID)).Result()
	assert.ErrorIs(t, err, goredis.Nil)
}
