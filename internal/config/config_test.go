package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskops/engine/internal/store/driver"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.TaskSyncIntervalMinutes)
	assert.Equal(t, 30, cfg.TaskSyncThresholdMinutes)
	assert.Equal(t, 120, cfg.TaskQueuedTimeoutMinutes)
	assert.Equal(t, 1, cfg.EvalIntervalMinutes)
	assert.Equal(t, 600000, cfg.PipelinePollIntervalMS)
	assert.Equal(t, 30, cfg.PipelineStatusTimeoutMin)
	assert.Equal(t, 15, cfg.StuckEvalCheckIntervalMin)
	assert.Equal(t, 60, cfg.StuckEvaluationTimeoutMin)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("TASK_SYNC_INTERVAL_MINUTES", "5")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TaskSyncIntervalMinutes)
}

func TestDialect(t *testing.T) {
	cases := []struct {
		url  string
		want driver.Dialect
	}{
		{"postgres://localhost/test", driver.DialectPostgres},
		{"postgresql://localhost/test", driver.DialectPostgres},
		{"pg://localhost/test", driver.DialectPostgres},
		{"/var/lib/taskops/engine.db", driver.DialectSQLite},
		{"sqlite:///var/lib/taskops/engine.db", driver.DialectSQLite},
		{"", driver.DialectSQLite},
	}
	for _, c := range cases {
		cfg := &Config{DatabaseURL: c.url}
		assert.Equal(t, c.want, cfg.Dialect(), "url=%q", c.url)
	}
}

func TestRequireGitLab(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.RequireGitLab())
	cfg.GitLabHost, cfg.GitLabToken, cfg.GitLabUser = "gitlab.example.com", "tok", "bot"
	require.NoError(t, cfg.RequireGitLab())
}
