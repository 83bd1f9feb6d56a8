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

// Package metrics holds Prometheus instrumentation and per-user usage
// counters for encryption, rotation, and recovery operations, plus the
// security audit surface that aggregates them with key-age findings.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// encryptionEMAAlpha is the exponential-moving-average smoothing factor
// applied to per-user encryption latency.
const encryptionEMAAlpha = 0.1

// DefaultLatencyBuckets are the histogram buckets used for encryption and
// decryption latency.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// UserStats is the point-in-time snapshot returned by Collector.UserStats.
type UserStats struct {
	EncryptionCount      int
	DecryptionCount      int
	RotationSuccessCount int
	RotationFailCount    int
	SessionsMigrated     int
	CheckpointsMigrated  int
	LastRotationAt       time.Time
	AvgEncryptLatency    time.Duration
}

// AuditReport combines key-hygiene findings from a SecurityAuditor with
// usage-derived findings from the Collector's own counters.
type AuditReport struct {
	Score  int
	Issues []string
}

// KeyAuditFunc adapts keyvault.Vault.SecurityAudit's (Score, []AuditIssue)
// shape to the (int, []string) shape Audit needs, without this package
// importing keyvault directly.
type KeyAuditFunc func(ctx context.Context, userID string) (score int, issues []string, err error)

type userCounters struct {
	encryptionCount      int
	decryptionCount      int
	rotationSuccessCount int
	rotationFailCount    int
	sessionsMigrated     int
	checkpointsMigrated  int
	lastRotationAt       time.Time
	avgEncryptLatency    time.Duration
}

// Collector tracks per-user operation counts and latency EMAs, and
// publishes low-cardinality Prometheus series for the same operations.
// Per-user detail is kept in memory (not as Prometheus labels) because
// a user_id label on these series would make cardinality unbounded.
type Collector struct {
	mu    sync.RWMutex
	users map[string]*userCounters

	encryptOps       *prometheus.CounterVec
	decryptOps       *prometheus.CounterVec
	rotationOps      *prometheus.CounterVec
	sessionsMigrated prometheus.Counter
	checkpoints      prometheus.Counter
	encryptLatency   prometheus.Histogram
}

// Config sets the value of the constant "namespace" label attached to
// every series the Collector registers.
type Config struct {
	Namespace string
}

// New creates and registers the Collector's Prometheus series.
func New(cfg Config) *Collector {
	labels := prometheus.Labels{"namespace": cfg.Namespace}

	return &Collector{
		users: make(map[string]*userCounters),

		encryptOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspacevault_encrypt_operations_total",
			Help:        "Total number of state encryption operations.",
			ConstLabels: labels,
		}, []string{"result"}),

		decryptOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspacevault_decrypt_operations_total",
			Help:        "Total number of state decryption operations.",
			ConstLabels: labels,
		}, []string{"result"}),

		rotationOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "workspacevault_rotation_operations_total",
			Help:        "Total number of key rotation task completions.",
			ConstLabels: labels,
		}, []string{"result"}),

		sessionsMigrated: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "workspacevault_sessions_migrated_total",
			Help:        "Total number of sessions re-encrypted during rotation.",
			ConstLabels: labels,
		}),

		checkpoints: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "workspacevault_checkpoints_migrated_total",
			Help:        "Total number of checkpoints re-encrypted during rotation.",
			ConstLabels: labels,
		}),

		encryptLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "workspacevault_encrypt_duration_seconds",
			Help:        "Duration of state encryption operations in seconds.",
			ConstLabels: labels,
			Buckets:     DefaultLatencyBuckets,
		}),
	}
}

func (c *Collector) userLocked(userID string) *userCounters {
	u, ok := c.users[userID]
	if !ok {
		u = &userCounters{}
		c.users[userID] = u
	}
	return u
}

// RecordEncryption records a successful encryption and folds its duration
// into the user's latency EMA (α=0.1).
func (c *Collector) RecordEncryption(userID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.userLocked(userID)
	u.encryptionCount++
	if u.avgEncryptLatency == 0 {
		u.avgEncryptLatency = d
	} else {
		u.avgEncryptLatency = time.Duration(encryptionEMAAlpha*float64(d) + (1-encryptionEMAAlpha)*float64(u.avgEncryptLatency))
	}
	c.encryptOps.WithLabelValues("success").Inc()
	c.encryptLatency.Observe(d.Seconds())
}

// RecordEncryptionFailure records a failed encryption attempt.
func (c *Collector) RecordEncryptionFailure(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encryptOps.WithLabelValues("failure").Inc()
}

// RecordDecryption records a decryption outcome for userID.
func (c *Collector) RecordDecryption(userID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.userLocked(userID)
	u.decryptionCount++
	result := "success"
	if !success {
		result = "failure"
	}
	c.decryptOps.WithLabelValues(result).Inc()
}

// RecordRotation records a completed rotation task and the number of
// sessions/checkpoints it migrated.
func (c *Collector) RecordRotation(userID string, success bool, sessionsMigrated, checkpointsMigrated int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.userLocked(userID)
	u.lastRotationAt = time.Now()
	result := "success"
	if success {
		u.rotationSuccessCount++
	} else {
		u.rotationFailCount++
		result = "failure"
	}
	u.sessionsMigrated += sessionsMigrated
	u.checkpointsMigrated += checkpointsMigrated
	c.rotationOps.WithLabelValues(result).Inc()
	c.sessionsMigrated.Add(float64(sessionsMigrated))
	c.checkpoints.Add(float64(checkpointsMigrated))
}

// UserStats returns a snapshot of userID's counters.
func (c *Collector) UserStats(userID string) UserStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[userID]
	if !ok {
		return UserStats{}
	}
	return UserStats{
		EncryptionCount:      u.encryptionCount,
		DecryptionCount:      u.decryptionCount,
		RotationSuccessCount: u.rotationSuccessCount,
		RotationFailCount:    u.rotationFailCount,
		SessionsMigrated:     u.sessionsMigrated,
		CheckpointsMigrated:  u.checkpointsMigrated,
		LastRotationAt:       u.lastRotationAt,
		AvgEncryptLatency:    u.avgEncryptLatency,
	}
}

// Audit combines auditor's key-hygiene findings with usage-derived
// findings from this Collector's own counters into one 0..100 score.
func (c *Collector) Audit(ctx context.Context, userID string, keyAudit KeyAuditFunc) (*AuditReport, error) {
	score, issues, err := keyAudit(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("running key audit: %w", err)
	}

	stats := c.UserStats(userID)
	if stats.RotationFailCount > 0 {
		penalty := 5 * stats.RotationFailCount
		score -= penalty
		issues = append(issues, fmt.Sprintf("%d failed rotation attempt(s) on record", stats.RotationFailCount))
	}
	if !stats.LastRotationAt.IsZero() && time.Since(stats.LastRotationAt) > 90*24*time.Hour {
		score -= 10
		issues = append(issues, "no successful key rotation in over 90 days")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &AuditReport{Score: score, Issues: issues}, nil
}
