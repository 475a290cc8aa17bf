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

// Package config loads daemon configuration. Defaults are overridden by an
// optional YAML file, which is in turn overridden by environment variables.
// Environment variables are authoritative so deployments never need a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mechanic-dev/mechanic/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Auth      AuthConfig      `yaml:"auth"`
	Workers   WorkerConfig    `yaml:"workers"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Providers ProvidersConfig `yaml:"providers"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Repo      RepoConfig      `yaml:"repo"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig configures the HTTP ingress listener.
type ServerConfig struct {
	// Addr is the listen address for webhooks, admin API, health and metrics.
	Addr string `yaml:"addr"`

	// ReadTimeout bounds request header and body reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the ledger backend.
type DatabaseConfig struct {
	// URL is the database location. For SQLite this is a file path.
	// Environment: DATABASE_URL
	URL string `yaml:"url"`

	// WAL enables SQLite write-ahead logging.
	WAL bool `yaml:"wal"`
}

// BrokerConfig configures the internal message transport.
type BrokerConfig struct {
	// URL selects the transport: empty for in-process channels, a redis://
	// URL for Redis Streams.
	// Environment: BROKER_URL
	URL string `yaml:"url"`

	// Stream is the Redis stream key prefix.
	Stream string `yaml:"stream"`

	// Group is the Redis consumer group name.
	Group string `yaml:"group"`
}

// WebhookConfig configures ingress verification.
type WebhookConfig struct {
	// Secret is the shared HMAC-SHA256 secret for X-Signature verification.
	// Environment: WEBHOOK_SECRET
	Secret string `yaml:"secret"`

	// MaxBodyBytes bounds webhook payload size.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ClassifyInterval is the pending-event sweep period.
	ClassifyInterval time.Duration `yaml:"classify_interval"`

	// MaxClassifyAttempts bounds classification retries per event.
	MaxClassifyAttempts int `yaml:"max_classify_attempts"`
}

// AuthConfig configures the admin API.
type AuthConfig struct {
	// SecretKey signs admin JWTs.
	// Environment: SECRET_KEY
	SecretKey string `yaml:"secret_key"`

	// TokenTTL bounds issued token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	// MaxConcurrent is the worker pool size.
	// Environment: MAX_CONCURRENT_WORKERS
	MaxConcurrent int `yaml:"max_concurrent"`

	// PollInterval is the queue poll period when idle.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HeartbeatInterval is the lease heartbeat period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LeaseStaleAfter is how long without a heartbeat before a lease is
	// reclaimed. Also the task lock staleness horizon.
	LeaseStaleAfter time.Duration `yaml:"lease_stale_after"`
}

// WorkflowConfig bounds workflow execution.
type WorkflowConfig struct {
	// TaskTimeout bounds a whole run.
	// Environment: TASK_TIMEOUT (seconds)
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// TestTimeout bounds one test suite execution.
	// Environment: TEST_TIMEOUT (seconds)
	TestTimeout time.Duration `yaml:"test_timeout"`

	// ValidationTimeout is how long a validation waits before expiring.
	// Environment: VALIDATION_TIMEOUT (seconds)
	ValidationTimeout time.Duration `yaml:"validation_timeout"`

	// DebugMaxIterations bounds the debug loop per run.
	// Environment: DEBUG_MAX_ITERATIONS
	DebugMaxIterations int `yaml:"debug_max_iterations"`

	// MaxReactivations bounds reactivations per task.
	// Environment: MAX_REACTIVATIONS_PER_TASK
	MaxReactivations int `yaml:"max_reactivations"`

	// ScratchDir is where working trees are checked out.
	ScratchDir string `yaml:"scratch_dir"`
}

// ProvidersConfig configures code-generation providers.
type ProvidersConfig struct {
	// Default names the provider used when a task does not pin one.
	Default string `yaml:"default"`

	// AnthropicAPIKey authenticates the Anthropic provider.
	// Environment: ANTHROPIC_API_KEY
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// OpenAIAPIKey authenticates the OpenAI provider.
	// Environment: OPENAI_API_KEY
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// RequestsPerMinute is the provider-side rate limit applied locally.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// CallTimeout bounds one LLM call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// TrackerConfig configures the external ticket tracker.
type TrackerConfig struct {
	// BaseURL is the tracker API root.
	BaseURL string `yaml:"base_url"`

	// APIToken authenticates tracker calls.
	// Environment: TRACKER_API_TOKEN
	APIToken string `yaml:"api_token"`

	// AgentHandle is the mention handle that triggers the agent.
	AgentHandle string `yaml:"agent_handle"`

	// PollInterval is the validation inbox base poll period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollMaxInterval caps inbox poll backoff.
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`
}

// RepoConfig configures version control defaults.
type RepoConfig struct {
	// DefaultURL is used when a ticket names no repository.
	// Environment: DEFAULT_REPO_URL
	DefaultURL string `yaml:"default_url"`

	// DefaultBranch is the PR base when a ticket names no branch.
	DefaultBranch string `yaml:"default_branch"`

	// ForgeCmd is the CLI used for pull request operations. Empty disables
	// PR creation and merging.
	ForgeCmd string `yaml:"forge_cmd"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Stdout     bool    `yaml:"stdout"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RetentionConfig controls the maintenance sweeps.
type RetentionConfig struct {
	// EventMonths is how many months of webhook events to keep.
	EventMonths int `yaml:"event_months"`

	// AuditDays is how many days of audit entries to keep.
	AuditDays int `yaml:"audit_days"`

	// SweepInterval is the maintenance pass period.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "mechanic.db",
			WAL: true,
		},
		Broker: BrokerConfig{
			Stream: "mechanic",
			Group:  "mechanic-workers",
		},
		Webhook: WebhookConfig{
			MaxBodyBytes:        1 << 20,
			ClassifyInterval:    30 * time.Second,
			MaxClassifyAttempts: 5,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Workers: WorkerConfig{
			MaxConcurrent:     4,
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			LeaseStaleAfter:   30 * time.Minute,
		},
		Workflow: WorkflowConfig{
			TaskTimeout:        30 * time.Minute,
			TestTimeout:        5 * time.Minute,
			ValidationTimeout:  24 * time.Hour,
			DebugMaxIterations: 3,
			MaxReactivations:   5,
			ScratchDir:         os.TempDir(),
		},
		Providers: ProvidersConfig{
			Default:           "anthropic",
			RequestsPerMinute: 60,
			CallTimeout:       5 * time.Minute,
		},
		Tracker: TrackerConfig{
			AgentHandle:     "mechanic",
			PollInterval:    10 * time.Second,
			PollMaxInterval: 2 * time.Minute,
		},
		Repo: RepoConfig{
			DefaultBranch: "main",
			ForgeCmd:      "gh",
		},
		Tracing: TracingConfig{
			SampleRate: 1,
		},
		Retention: RetentionConfig{
			EventMonths:   6,
			AuditDays:     90,
			SweepInterval: time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "config_file", Reason: "unreadable", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "config_file", Reason: "invalid yaml", Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Broker.URL, "BROKER_URL")
	setString(&cfg.Webhook.Secret, "WEBHOOK_SECRET")
	setString(&cfg.Auth.SecretKey, "SECRET_KEY")
	setString(&cfg.Repo.DefaultURL, "DEFAULT_REPO_URL")
	setString(&cfg.Providers.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.Tracker.APIToken, "TRACKER_API_TOKEN")
	setString(&cfg.Tracker.BaseURL, "TRACKER_BASE_URL")
	setString(&cfg.Server.Addr, "LISTEN_ADDR")

	setInt(&cfg.Workers.MaxConcurrent, "MAX_CONCURRENT_WORKERS")
	setInt(&cfg.Workflow.DebugMaxIterations, "DEBUG_MAX_ITERATIONS")
	setInt(&cfg.Workflow.MaxReactivations, "MAX_REACTIVATIONS_PER_TASK")

	setSeconds(&cfg.Workflow.TaskTimeout, "TASK_TIMEOUT")
	setSeconds(&cfg.Workflow.TestTimeout, "TEST_TIMEOUT")
	setSeconds(&cfg.Workflow.ValidationTimeout, "VALIDATION_TIMEOUT")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return &errors.ConfigError{Key: "WEBHOOK_SECRET", Reason: "required for signature verification"}
	}
	if c.Auth.SecretKey == "" {
		return &errors.ConfigError{Key: "SECRET_KEY", Reason: "required for admin token signing"}
	}
	if c.Workers.MaxConcurrent < 1 {
		return &errors.ConfigError{Key: "MAX_CONCURRENT_WORKERS", Reason: "must be at least 1"}
	}
	if c.Workflow.DebugMaxIterations < 0 {
		return &errors.ConfigError{Key: "DEBUG_MAX_ITERATIONS", Reason: "must not be negative"}
	}
	if c.Workflow.MaxReactivations < 0 {
		return &errors.ConfigError{Key: "MAX_REACTIVATIONS_PER_TASK", Reason: "must not be negative"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return &errors.ConfigError{Key: "tracing.sample_rate", Reason: "must be in [0, 1]"}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// setSeconds parses an integer number of seconds, matching how deployments
// have historically set the timeout variables.
func setSeconds(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return
	}
	*dst = time.Duration(n) * time.Second
}

// Redacted returns a copy safe for logging.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Webhook.Secret = redact(c.Webhook.Secret)
	cp.Auth.SecretKey = redact(c.Auth.SecretKey)
	cp.Providers.AnthropicAPIKey = redact(c.Providers.AnthropicAPIKey)
	cp.Providers.OpenAIAPIKey = redact(c.Providers.OpenAIAPIKey)
	cp.Tracker.APIToken = redact(c.Tracker.APIToken)
	return &cp
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("<redacted:%d>", len(s))
}
