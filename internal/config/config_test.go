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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30*time.Minute, cfg.LockTTL)
	assert.Equal(t, 2*time.Hour, cfg.QueueTimeout)
	assert.Equal(t, 72*time.Hour, cfg.ValidationTTL)
	assert.Equal(t, 20, cfg.MaxReactivationDepth)
	assert.Equal(t, 3, cfg.MaxRejections)
	assert.Equal(t, 30*time.Second, cfg.StepRetryBackoffBase)
	assert.Equal(t, 60*time.Second, cfg.CooldownBase)
	assert.Equal(t, 30*time.Minute, cfg.CooldownCap)
	assert.Equal(t, 24*time.Hour, cfg.DedupWindow)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orch")
	t.Setenv("LOCK_TTL_SECONDS", "600")
	t.Setenv("VALIDATION_TTL_HOURS", "48")
	t.Setenv("MAX_REJECTIONS", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/orch", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Minute, cfg.LockTTL)
	assert.Equal(t, 48*time.Hour, cfg.ValidationTTL)
	assert.Equal(t, 5, cfg.MaxRejections)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("LOCK_TTL_SECONDS", "not-a-number")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TTL_SECONDS")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "listen_addr: \":9090\"\nmax_reactivation_depth: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.MaxReactivationDepth)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.CooldownCap = time.Second
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxRejections = 0
	assert.Error(t, cfg.Validate())
}

func TestLockSweepInterval(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10*time.Minute, cfg.LockSweepInterval())
}

func TestCooldownFor(t *testing.T) {
	cfg := Default()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 960 * time.Second},
		{6, 30 * time.Minute},
		{100, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.CooldownFor(tt.failures), "failure %d", tt.failures)
	}
}
