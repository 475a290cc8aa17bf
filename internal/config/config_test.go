// Copyright 2025 Tom Barlow
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

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// requiredEnv satisfies Validate for tests that exercise other layers.
func requiredEnv(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "hook-secret")
	t.Setenv("SECRET_KEY", "admin-secret")
}

func TestLoadDefaults(t *testing.T) {
	requiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "mechanic.db", cfg.Database.URL)
	assert.True(t, cfg.Database.WAL)
	assert.Equal(t, 4, cfg.Workers.MaxConcurrent)
	assert.Equal(t, 24*time.Hour, cfg.Workflow.ValidationTimeout)
	assert.Equal(t, 3, cfg.Workflow.DebugMaxIterations)
	assert.Equal(t, 5, cfg.Workflow.MaxReactivations)
	assert.Equal(t, "mechanic", cfg.Tracker.AgentHandle)
	assert.Equal(t, "gh", cfg.Repo.ForgeCmd)
	assert.Equal(t, "hook-secret", cfg.Webhook.Secret)
}

func TestLoadYAMLFile(t *testing.T) {
	requiredEnv(t)

	path := filepath.Join(t.TempDir(), "mechanic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
workers:
  max_concurrent: 8
workflow:
  validation_timeout: 2h
  debug_max_iterations: 1
tracker:
  agent_handle: fixer
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Workers.MaxConcurrent)
	assert.Equal(t, 2*time.Hour, cfg.Workflow.ValidationTimeout)
	assert.Equal(t, 1, cfg.Workflow.DebugMaxIterations)
	assert.Equal(t, "fixer", cfg.Tracker.AgentHandle)
	// Untouched keys keep their defaults.
	assert.Equal(t, "mechanic.db", cfg.Database.URL)
}

func TestEnvOverridesFile(t *testing.T) {
	requiredEnv(t)
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("MAX_CONCURRENT_WORKERS", "2")
	t.Setenv("VALIDATION_TIMEOUT", "3600")
	t.Setenv("DATABASE_URL", "/var/lib/mechanic/ledger.db")

	path := filepath.Join(t.TempDir(), "mechanic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
workers:
  max_concurrent: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Workers.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Workflow.ValidationTimeout, "timeout env vars are seconds")
	assert.Equal(t, "/var/lib/mechanic/ledger.db", cfg.Database.URL)
}

func TestEnvIgnoresUnparseable(t *testing.T) {
	requiredEnv(t)
	t.Setenv("MAX_CONCURRENT_WORKERS", "many")
	t.Setenv("TASK_TIMEOUT", "-5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Workflow.TaskTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	requiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestLoadInvalidYAML(t *testing.T) {
	requiredEnv(t)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a mapping"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{
			name:    "missing webhook secret",
			mutate:  func(c *Config) { c.Webhook.Secret = "" },
			wantKey: "WEBHOOK_SECRET",
		},
		{
			name:    "missing auth secret",
			mutate:  func(c *Config) { c.Auth.SecretKey = "" },
			wantKey: "SECRET_KEY",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Workers.MaxConcurrent = 0 },
			wantKey: "MAX_CONCURRENT_WORKERS",
		},
		{
			name:    "negative debug budget",
			mutate:  func(c *Config) { c.Workflow.DebugMaxIterations = -1 },
			wantKey: "DEBUG_MAX_ITERATIONS",
		},
		{
			name:    "negative reactivation budget",
			mutate:  func(c *Config) { c.Workflow.MaxReactivations = -1 },
			wantKey: "MAX_REACTIVATIONS_PER_TASK",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Tracing.SampleRate = 1.5 },
			wantKey: "tracing.sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Webhook.Secret = "s"
			cfg.Auth.SecretKey = "k"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var ce *errors.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantKey, ce.Key)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Webhook.Secret = "hook-secret"
	cfg.Auth.SecretKey = "k"
	cfg.Providers.AnthropicAPIKey = "sk-ant-xyz"
	cfg.Tracker.APIToken = "tok"

	red := cfg.Redacted()
	assert.Equal(t, "<redacted:11>", red.Webhook.Secret)
	assert.Equal(t, "<redacted:1>", red.Auth.SecretKey)
	assert.Equal(t, "<redacted:10>", red.Providers.AnthropicAPIKey)
	assert.Equal(t, "<redacted:3>", red.Tracker.APIToken)
	assert.Empty(t, red.Providers.OpenAIAPIKey)

	// The original is untouched.
	assert.Equal(t, "hook-secret", cfg.Webhook.Secret)
}
