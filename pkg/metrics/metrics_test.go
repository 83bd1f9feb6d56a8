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

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return New(Config{Namespace: "test-" + t.Name()})
}

func TestCollector_RecordEncryption_TracksCountAndEMA(t *testing.T) {
	c := newTestCollector(t)

	c.RecordEncryption("u1", 100*time.Millisecond)
	c.RecordEncryption("u1", 200*time.Millisecond)

	stats := c.UserStats("u1")
	assert.Equal(t, 2, stats.EncryptionCount)
	// EMA after two samples should lie strictly between the two durations.
	assert.Greater(t, stats.AvgEncryptLatency, 100*time.Millisecond)
	assert.Less(t, stats.AvgEncryptLatency, 200*time.Millisecond)
}

func TestCollector_RecordRotation_TracksSuccessAndMigrationCounts(t *testing.T) {
	c := newTestCollector(t)

	c.RecordRotation("u1", true, 3, 5)
	c.RecordRotation("u1", false, 0, 0)

	stats := c.UserStats("u1")
	assert.Equal(t, 1, stats.RotationSuccessCount)
	assert.Equal(t, 1, stats.RotationFailCount)
	assert.Equal(t, 3, stats.SessionsMigrated)
	assert.Equal(t, 5, stats.CheckpointsMigrated)
	assert.False(t, stats.LastRotationAt.IsZero())
}

func TestCollector_UserStats_UnknownUserIsZeroValue(t *testing.T) {
	c := newTestCollector(t)
	assert.Equal(t, UserStats{}, c.UserStats("nobody"))
}

func TestCollector_Audit_PenalizesRepeatedRotationFailures(t *testing.T) {
	c := newTestCollector(t)
	c.RecordRotation("u1", false, 0, 0)
	c.RecordRotation("u1", false, 0, 0)

	keyAudit := func(ctx context.Context, userID string) (int, []string, error) {
		return 100, nil, nil
	}

	report, err := c.Audit(context.Background(), "u1", keyAudit)
	require.NoError(t, err)
	assert.Equal(t, 90, report.Score)
	assert.Len(t, report.Issues, 1)
}

func TestCollector_Audit_PropagatesKeyAuditError(t *testing.T) {
	c := newTestCollector(t)
	keyAudit := func(ctx context.Context, userID string) (int, []string, error) {
		return 0, nil, assertErr
	}
	_, err := c.Audit(context.Background(), "u1", keyAudit)
	assert.Error(t, err)
}

var assertErr = errFixture{}

type errFixture struct{}

func (errFixture) Error() string { return "key audit failed" }
