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

// Package config loads the workspace session core's configuration: KDF
// cost, size/key limits, rotation policy, password policy, and sync
// timing. Values load from environment variables with an optional YAML
// file overlay, following the same "DefaultConfig + Validate aggregates
// errors" shape used across the codebase's other configuration types.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corevault/workspacevault/internal/crypto"
	"github.com/corevault/workspacevault/internal/password"
)

// Environment variable names.
const (
	envKDFIterations          = "WORKSPACEVAULT_KDF_ITERATIONS"
	envMaxSessionSizeBytes    = "WORKSPACEVAULT_MAX_SESSION_SIZE_BYTES"
	envMaxActiveKeysPerUser   = "WORKSPACEVAULT_MAX_ACTIVE_KEYS_PER_USER"
	envRotationIntervalDays   = "WORKSPACEVAULT_ROTATION_INTERVAL_DAYS"
	envWarningDaysBefore      = "WORKSPACEVAULT_WARNING_DAYS_BEFORE"
	envMaxKeyAgeDays          = "WORKSPACEVAULT_MAX_KEY_AGE_DAYS"
	envGracePeriodDays        = "WORKSPACEVAULT_GRACE_PERIOD_DAYS"
	envAutoRotateEnabled      = "WORKSPACEVAULT_AUTO_ROTATE_ENABLED"
	envCompressionEnabled     = "WORKSPACEVAULT_COMPRESSION_ENABLED"
	envEncryptionEnabled      = "WORKSPACEVAULT_ENCRYPTION_ENABLED"
	envPasswordMinLength      = "WORKSPACEVAULT_PASSWORD_MIN_LENGTH"
	envPasswordMinScore       = "WORKSPACEVAULT_PASSWORD_MIN_SCORE"
	envSyncDrainIntervalMS    = "WORKSPACEVAULT_SYNC_DRAIN_INTERVAL_MS"
	envSubscriptionTimeoutMin = "WORKSPACEVAULT_SUBSCRIPTION_INACTIVE_TIMEOUT_MINUTES"
	envConfigFile             = "WORKSPACEVAULT_CONFIG_FILE"
)

// Default values, per spec.md §6.
const (
	defaultKDFIterations          = crypto.DefaultIterations
	defaultMaxSessionSizeBytes    = 52_428_800
	defaultMaxActiveKeysPerUser   = 10
	defaultRotationIntervalDays   = 90
	defaultWarningDaysBefore      = 7
	defaultMaxKeyAgeDays          = 180
	defaultGracePeriodDays        = 14
	defaultSyncDrainIntervalMS    = 100
	defaultSubscriptionTimeoutMin = 30
)

// RotationPolicy controls when the rotation engine considers a key due for
// renewal, matching spec.md §4.4.
type RotationPolicy struct {
	RotationIntervalDays int  `yaml:"rotationIntervalDays"`
	WarningDaysBefore    int  `yaml:"warningDaysBefore"`
	MaxKeyAgeDays        int  `yaml:"maxKeyAgeDays"`
	GracePeriodDays      int  `yaml:"gracePeriodDays"`
	AutoRotateEnabled    bool `yaml:"autoRotateEnabled"`
	NotifyBeforeRotation bool `yaml:"notifyBeforeRotation"`
}

// PasswordPolicy mirrors password.Policy but stays free of that package's
// types at the config layer so YAML/env loading does not need to know
// about password internals.
type PasswordPolicy struct {
	MinLength         int      `yaml:"minLength"`
	RequireUpper      bool     `yaml:"requireUpper"`
	RequireLower      bool     `yaml:"requireLower"`
	RequireDigit      bool     `yaml:"requireDigit"`
	RequireSymbol     bool     `yaml:"requireSymbol"`
	ForbiddenPatterns []string `yaml:"forbiddenPatterns"`
	MinStrengthScore  int      `yaml:"minStrengthScore"`
}

// ToPasswordPolicy converts to the password package's Policy type.
func (p PasswordPolicy) ToPasswordPolicy() password.Policy {
	return password.Policy{
		MinLength:         p.MinLength,
		RequireUpper:      p.RequireUpper,
		RequireLower:      p.RequireLower,
		RequireDigit:      p.RequireDigit,
		RequireSymbol:     p.RequireSymbol,
		ForbiddenPatterns: p.ForbiddenPatterns,
		MinStrengthScore:  p.MinStrengthScore,
	}
}

// Config is the workspace session core's full configuration, covering
// every item enumerated in spec.md §6.
type Config struct {
	KDFIterations        int             `yaml:"kdfIterations"`
	MaxSessionSizeBytes  int64           `yaml:"maxSessionSizeBytes"`
	MaxActiveKeysPerUser int             `yaml:"maxActiveKeysPerUser"`
	Rotation             RotationPolicy  `yaml:"rotation"`
	CompressionEnabled   bool            `yaml:"compressionEnabled"`
	EncryptionEnabled    bool            `yaml:"encryptionEnabled"`
	PasswordPolicy       PasswordPolicy  `yaml:"passwordPolicy"`
	SyncDrainInterval    time.Duration   `yaml:"-"`
	SubscriptionTimeout  time.Duration   `yaml:"-"`
}

// DefaultConfig returns a Config with spec.md §6's enumerated defaults.
func DefaultConfig() Config {
	return Config{
		KDFIterations:        defaultKDFIterations,
		MaxSessionSizeBytes:  defaultMaxSessionSizeBytes,
		MaxActiveKeysPerUser: defaultMaxActiveKeysPerUser,
		Rotation: RotationPolicy{
			RotationIntervalDays: defaultRotationIntervalDays,
			WarningDaysBefore:    defaultWarningDaysBefore,
			MaxKeyAgeDays:        defaultMaxKeyAgeDays,
			GracePeriodDays:      defaultGracePeriodDays,
			AutoRotateEnabled:    false,
			NotifyBeforeRotation: true,
		},
		CompressionEnabled: true,
		EncryptionEnabled:  true,
		PasswordPolicy: PasswordPolicy{
			MinLength:        12,
			RequireUpper:     true,
			RequireLower:     true,
			RequireDigit:     true,
			RequireSymbol:    true,
			MinStrengthScore: 60,
		},
		SyncDrainInterval:   defaultSyncDrainIntervalMS * time.Millisecond,
		SubscriptionTimeout: defaultSubscriptionTimeoutMin * time.Minute,
	}
}

// Load builds a Config starting from DefaultConfig, overlaying a YAML file
// (when WORKSPACEVAULT_CONFIG_FILE is set) and then environment variables,
// and finally validating the result.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.overlayYAMLFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) overlayYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) overlayEnv() error {
	if err := overlayInt(envKDFIterations, &cfg.KDFIterations); err != nil {
		return err
	}
	if err := overlayInt64(envMaxSessionSizeBytes, &cfg.MaxSessionSizeBytes); err != nil {
		return err
	}
	if err := overlayInt(envMaxActiveKeysPerUser, &cfg.MaxActiveKeysPerUser); err != nil {
		return err
	}
	if err := overlayInt(envRotationIntervalDays, &cfg.Rotation.RotationIntervalDays); err != nil {
		return err
	}
	if err := overlayInt(envWarningDaysBefore, &cfg.Rotation.WarningDaysBefore); err != nil {
		return err
	}
	if err := overlayInt(envMaxKeyAgeDays, &cfg.Rotation.MaxKeyAgeDays); err != nil {
		return err
	}
	if err := overlayInt(envGracePeriodDays, &cfg.Rotation.GracePeriodDays); err != nil {
		return err
	}
	if err := overlayBool(envAutoRotateEnabled, &cfg.Rotation.AutoRotateEnabled); err != nil {
		return err
	}
	if err := overlayBool(envCompressionEnabled, &cfg.CompressionEnabled); err != nil {
		return err
	}
	if err := overlayBool(envEncryptionEnabled, &cfg.EncryptionEnabled); err != nil {
		return err
	}
	if err := overlayInt(envPasswordMinLength, &cfg.PasswordPolicy.MinLength); err != nil {
		return err
	}
	if err := overlayInt(envPasswordMinScore, &cfg.PasswordPolicy.MinStrengthScore); err != nil {
		return err
	}

	if v := os.Getenv(envSyncDrainIntervalMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envSyncDrainIntervalMS, err)
		}
		cfg.SyncDrainInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(envSubscriptionTimeoutMin); v != "" {
		min, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envSubscriptionTimeoutMin, err)
		}
		cfg.SubscriptionTimeout = time.Duration(min) * time.Minute
	}

	return nil
}

func overlayInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func overlayInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func overlayBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

// Validate aggregates every configuration violation rather than stopping
// at the first, matching the rest of the codebase's policy-error style.
func (cfg *Config) Validate() error {
	var reasons []string

	if cfg.KDFIterations < crypto.MinIterations {
		reasons = append(reasons, fmt.Sprintf("%s must be at least %d", envKDFIterations, crypto.MinIterations))
	}
	if cfg.MaxSessionSizeBytes <= 0 {
		reasons = append(reasons, envMaxSessionSizeBytes+" must be positive")
	}
	if cfg.MaxActiveKeysPerUser <= 0 {
		reasons = append(reasons, envMaxActiveKeysPerUser+" must be positive")
	}
	if cfg.Rotation.RotationIntervalDays <= 0 {
		reasons = append(reasons, envRotationIntervalDays+" must be positive")
	}
	if cfg.Rotation.MaxKeyAgeDays <= 0 {
		reasons = append(reasons, envMaxKeyAgeDays+" must be positive")
	}
	if cfg.Rotation.GracePeriodDays < 0 {
		reasons = append(reasons, envGracePeriodDays+" must not be negative")
	}
	if cfg.PasswordPolicy.MinLength <= 0 {
		reasons = append(reasons, envPasswordMinLength+" must be positive")
	}
	if cfg.SyncDrainInterval <= 0 {
		reasons = append(reasons, envSyncDrainIntervalMS+" must be positive")
	}
	if cfg.SubscriptionTimeout <= 0 {
		reasons = append(reasons, envSubscriptionTimeoutMin+" must be positive")
	}

	if len(reasons) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(reasons, "; "))
	}
	return nil
}
