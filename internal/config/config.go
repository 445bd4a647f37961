// Copyright 2026 The Forgeline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads orchestrator configuration from the environment with
// an optional YAML file underlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains the full orchestrator configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL DSN.
	DatabaseURL string `yaml:"database_url"`

	// BrokerURL is the redis broker URL used as the work-dispatch channel.
	BrokerURL string `yaml:"broker_url"`

	// ListenAddr is the HTTP listen address for the webhook intake.
	ListenAddr string `yaml:"listen_addr"`

	// LockTTL bounds the advisory ticket lock.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// QueueTimeout is the wall-clock budget for a running queue entry.
	QueueTimeout time.Duration `yaml:"queue_timeout"`

	// ValidationTTL is how long a pending validation stays answerable.
	ValidationTTL time.Duration `yaml:"validation_ttl"`

	// MaxReactivationDepth caps the reactivation chain per ticket.
	MaxReactivationDepth int `yaml:"max_reactivation_depth"`

	// MaxRejections caps rejections per validation chain before abandonment.
	MaxRejections int `yaml:"max_rejections"`

	// StepRetryBackoffBase is the linear per-retry backoff unit for steps.
	StepRetryBackoffBase time.Duration `yaml:"step_retry_backoff_base"`

	// CooldownBase is the exponential cooldown base after reactivation failure.
	CooldownBase time.Duration `yaml:"cooldown_base"`

	// CooldownCap bounds the exponential cooldown.
	CooldownCap time.Duration `yaml:"cooldown_cap"`

	// MaxStepRetries is the default retry budget per step.
	MaxStepRetries int `yaml:"max_step_retries"`

	// DispatcherWorkers is the size of the dispatcher worker pool.
	DispatcherWorkers int `yaml:"dispatcher_workers"`

	// CancelGrace is how long a cancelled handler gets to acknowledge.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// DedupWindow is the webhook event-ID deduplication window.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8080",
		LockTTL:              30 * time.Minute,
		QueueTimeout:         2 * time.Hour,
		ValidationTTL:        72 * time.Hour,
		MaxReactivationDepth: 20,
		MaxRejections:        3,
		StepRetryBackoffBase: 30 * time.Second,
		CooldownBase:         60 * time.Second,
		CooldownCap:          30 * time.Minute,
		MaxStepRetries:       3,
		DispatcherWorkers:    4,
		CancelGrace:          30 * time.Second,
		DedupWindow:          24 * time.Hour,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides, in that order. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}

	seconds := map[string]*time.Duration{
		"LOCK_TTL_SECONDS":                &c.LockTTL,
		"QUEUE_TIMEOUT_SECONDS":           &c.QueueTimeout,
		"STEP_RETRY_BACKOFF_SECONDS_BASE": &c.StepRetryBackoffBase,
		"COOLDOWN_BASE_SECONDS":           &c.CooldownBase,
		"COOLDOWN_CAP_SECONDS":            &c.CooldownCap,
		"CANCEL_GRACE_SECONDS":            &c.CancelGrace,
	}
	for key, dst := range seconds {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("VALIDATION_TTL_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid VALIDATION_TTL_HOURS: %w", err)
		}
		c.ValidationTTL = time.Duration(n) * time.Hour
	}

	ints := map[string]*int{
		"MAX_REACTIVATION_DEPTH": &c.MaxReactivationDepth,
		"MAX_REJECTIONS":         &c.MaxRejections,
		"MAX_STEP_RETRIES":       &c.MaxStepRetries,
		"DISPATCHER_WORKERS":     &c.DispatcherWorkers,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("queue timeout must be positive")
	}
	if c.ValidationTTL <= 0 {
		return fmt.Errorf("validation TTL must be positive")
	}
	if c.MaxReactivationDepth < 1 {
		return fmt.Errorf("max reactivation depth must be at least 1")
	}
	if c.MaxRejections < 1 {
		return fmt.Errorf("max rejections must be at least 1")
	}
	if c.CooldownCap < c.CooldownBase {
		return fmt.Errorf("cooldown cap must be >= cooldown base")
	}
	if c.DispatcherWorkers < 1 {
		return fmt.Errorf("dispatcher workers must be at least 1")
	}
	return nil
}

// LockSweepInterval derives the lock sweeper interval from the lock TTL.
// The sweeper must run at least three times per TTL window.
func (c *Config) LockSweepInterval() time.Duration {
	return c.LockTTL / 3
}

// CooldownFor returns the cooldown duration after the nth consecutive
// failure: base doubled per prior failure, capped. n below 1 is treated
// as the first failure.
func (c *Config) CooldownFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.CooldownBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.CooldownCap {
			return c.CooldownCap
		}
	}
	if d > c.CooldownCap {
		return c.CooldownCap
	}
	return d
}
