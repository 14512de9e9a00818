// Package config loads the engine's twelve-factor environment surface (§8).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/taskops/engine/internal/domain"
	"github.com/taskops/engine/internal/store/driver"
)

// Config holds every environment-sourced setting the engine's components
// need. Each process entry point (cmd/micros-task-*) loads one Config and
// hands the relevant fields to the components it starts.
type Config struct {
	DatabaseURL string

	TaskSyncIntervalMinutes   int
	TaskSyncThresholdMinutes  int
	TaskQueuedTimeoutMinutes  int
	EvalIntervalMinutes       int
	PipelinePollIntervalMS    int
	PipelineStatusTimeoutMin  int
	StuckEvalCheckIntervalMin int
	StuckEvaluationTimeoutMin int

	APIBaseURL string
	APIToken   string

	GitLabHost  string
	GitLabToken string
	GitLabUser  string

	EncryptionKey string

	JiraOAuthClientID     string
	JiraOAuthClientSecret string

	AnthropicPlatformAPIKey string
	AnthropicModel          string

	DefaultSimpleQuotaSoft   int
	DefaultSimpleQuotaHard   int
	DefaultAdvancedQuotaSoft int
	DefaultAdvancedQuotaHard int

	NATSURL string
}

// Load reads the process environment and applies the defaults from §8.
// Required variables that are empty produce a descriptive error rather than
// a zero-value Config a component would fail on later with less context.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),

		TaskSyncIntervalMinutes:   envInt("TASK_SYNC_INTERVAL_MINUTES", 15),
		TaskSyncThresholdMinutes:  envInt("TASK_SYNC_THRESHOLD_MINUTES", 30),
		TaskQueuedTimeoutMinutes:  envInt("TASK_QUEUED_TIMEOUT_MINUTES", 120),
		EvalIntervalMinutes:       envInt("EVAL_INTERVAL_MINUTES", 1),
		PipelinePollIntervalMS:    envInt("PIPELINE_POLL_INTERVAL_MS", 600000),
		PipelineStatusTimeoutMin:  envInt("PIPELINE_STATUS_TIMEOUT_MINUTES", 30),
		StuckEvalCheckIntervalMin: envInt("STUCK_EVAL_CHECK_INTERVAL_MINUTES", 15),
		StuckEvaluationTimeoutMin: envInt("STUCK_EVALUATION_TIMEOUT_MINUTES", 60),

		APIBaseURL: os.Getenv("API_BASE_URL"),
		APIToken:   os.Getenv("API_TOKEN"),

		GitLabHost:  os.Getenv("GITLAB_HOST"),
		GitLabToken: os.Getenv("GITLAB_TOKEN"),
		GitLabUser:  os.Getenv("GITLAB_USER"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		JiraOAuthClientID:     os.Getenv("JIRA_OAUTH_CLIENT_ID"),
		JiraOAuthClientSecret: os.Getenv("JIRA_OAUTH_CLIENT_SECRET"),

		AnthropicPlatformAPIKey: os.Getenv("ANTHROPIC_PLATFORM_API_KEY"),
		AnthropicModel:          envString("ANTHROPIC_MODEL", "claude-sonnet-4-5"),

		DefaultSimpleQuotaSoft:   envInt("DEFAULT_SIMPLE_QUOTA_SOFT", 40),
		DefaultSimpleQuotaHard:   envInt("DEFAULT_SIMPLE_QUOTA_HARD", 50),
		DefaultAdvancedQuotaSoft: envInt("DEFAULT_ADVANCED_QUOTA_SOFT", 8),
		DefaultAdvancedQuotaHard: envInt("DEFAULT_ADVANCED_QUOTA_HARD", 10),

		NATSURL: envString("NATS_URL", "nats://127.0.0.1:4222"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// RequireAPI validates the API_BASE_URL/API_TOKEN pair needed for CI→engine
// callbacks. Entry points that don't accept CI callbacks skip this check.
func (c *Config) RequireAPI() error {
	if c.APIBaseURL == "" || c.APIToken == "" {
		return fmt.Errorf("API_BASE_URL and API_TOKEN are required")
	}
	return nil
}

// RequireGitLab validates the worker-repository bootstrap credentials.
func (c *Config) RequireGitLab() error {
	if c.GitLabHost == "" || c.GitLabToken == "" || c.GitLabUser == "" {
		return fmt.Errorf("GITLAB_HOST, GITLAB_TOKEN, and GITLAB_USER are required")
	}
	return nil
}

// PlatformConfigured reports whether the platform carries its own Anthropic
// credentials usable on behalf of project owners (§4.6 step 2).
func (c *Config) PlatformConfigured() bool {
	return c.AnthropicPlatformAPIKey != ""
}

// DefaultQuotaSoft returns the default soft limits applied to a user's quota
// row the first time it's created (§4.6).
func (c *Config) DefaultQuotaSoft() domain.QuotaLimits {
	return domain.QuotaLimits{Simple: c.DefaultSimpleQuotaSoft, Advanced: c.DefaultAdvancedQuotaSoft}
}

// DefaultQuotaHard returns the default hard limits applied to a user's quota
// row the first time it's created (§4.6).
func (c *Config) DefaultQuotaHard() domain.QuotaLimits {
	return domain.QuotaLimits{Simple: c.DefaultSimpleQuotaHard, Advanced: c.DefaultAdvancedQuotaHard}
}

// Dialect infers the store driver dialect from DatabaseURL's scheme, so
// cmd/ only needs to configure one DATABASE_URL variable rather than a
// separate dialect flag (postgres://, postgresql://, and pg:// all map to
// Postgres; everything else, including a bare file path, is treated as a
// SQLite DSN — matching the teacher's sqlite-by-default local/test story).
func (c *Config) Dialect() driver.Dialect {
	scheme, _, found := strings.Cut(c.DatabaseURL, "://")
	if !found {
		return driver.DialectSQLite
	}
	d, err := driver.ParseDialect(scheme)
	if err != nil {
		return driver.DialectSQLite
	}
	return d
}

// RequireEncryptionKey validates the secret-crypto key is present.
func (c *Config) RequireEncryptionKey() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	return nil
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.TaskSyncIntervalMinutes) * time.Minute
}

func (c *Config) SyncThreshold() time.Duration {
	return time.Duration(c.TaskSyncThresholdMinutes) * time.Minute
}

func (c *Config) QueuedTimeout() time.Duration {
	return time.Duration(c.TaskQueuedTimeoutMinutes) * time.Minute
}

func (c *Config) EvalInterval() time.Duration {
	return time.Duration(c.EvalIntervalMinutes) * time.Minute
}

func (c *Config) PipelinePollInterval() time.Duration {
	return time.Duration(c.PipelinePollIntervalMS) * time.Millisecond
}

func (c *Config) PipelineStatusTimeout() time.Duration {
	return time.Duration(c.PipelineStatusTimeoutMin) * time.Minute
}

func (c *Config) StuckEvalCheckInterval() time.Duration {
	return time.Duration(c.StuckEvalCheckIntervalMin) * time.Minute
}

func (c *Config) StuckEvaluationTimeout() time.Duration {
	return time.Duration(c.StuckEvaluationTimeoutMin) * time.Minute
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
