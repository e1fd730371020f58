package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.PollInterval())
	assert.Equal(t, models.StrategyPreferMostRecent, cfg.Strategy())
	assert.False(t, cfg.Conflict.AutoResolve)
	assert.Equal(t, 30*time.Second, cfg.PlatformTimeout())
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL())
	assert.Equal(t, "@every 24h", cfg.Maintenance.Schedule)
	assert.Empty(t, cfg.PeerScopes())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "bridgesync.yaml", `
sync:
  enabled: false
  max_attempts: 5
  batch_size: 20
  peers:
    forum: forum-bot
conflict:
  default_strategy: merge_prefer_cms
  auto_resolve: true
platform:
  cms:
    base_url: https://cms.example.com
    field_map:
      title: name
  timeout_seconds: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 20, cfg.Sync.BatchSize)
	assert.Equal(t, 30, cfg.Sync.PollIntervalSeconds, "unset keys keep defaults")
	assert.Equal(t, models.StrategyMergePreferCMS, cfg.Strategy())
	assert.True(t, cfg.Conflict.AutoResolve)
	assert.Equal(t, map[models.Side]string{models.SideForum: "forum-bot"}, cfg.PeerScopes())
	assert.Equal(t, "https://cms.example.com", cfg.PlatformFor(models.SideCMS).BaseURL)
	assert.Equal(t, "name", cfg.Platform.CMS.FieldMap["title"])
	assert.Equal(t, 10*time.Second, cfg.PlatformTimeout())
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "bridgesync.toml", `
[sync]
max_attempts = 4
poll_interval_seconds = 5

[server]
addr = ":9090"
allowed_origins = ["https://a.example", "https://b.example"]

[platform.forum]
base_url = "http://forum.local"
token = "abc"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Sync.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Len(t, cfg.Server.AllowedOrigins, 2)
	assert.Equal(t, "abc", cfg.PlatformFor(models.SideForum).Token)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "sync: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "config.ini", "a=b"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BRIDGESYNC_SYNC_ENABLED", "no")
	t.Setenv("BRIDGESYNC_SYNC_BATCH_SIZE", "7")
	t.Setenv("BRIDGESYNC_SYNC_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("BRIDGESYNC_SYNC_PEER_CMS", "cms-bot")
	t.Setenv("BRIDGESYNC_CONFLICT_AUTO_RESOLVE", "yes")
	t.Setenv("BRIDGESYNC_SERVER_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("BRIDGESYNC_AUTH_JWT_SECRET", "from-env")
	t.Setenv("BRIDGESYNC_DATABASE_PATH", "/tmp/x.db")

	path := writeFile(t, "c.yaml", "sync:\n  batch_size: 50\nauth:\n  jwt_secret: from-file\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, 7, cfg.Sync.BatchSize, "environment wins over the file")
	assert.Equal(t, 3, cfg.Sync.MaxAttempts, "unparsable overrides are ignored")
	assert.Equal(t, "cms-bot", cfg.PeerScopes()[models.SideCMS])
	assert.True(t, cfg.Conflict.AutoResolve)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"batch size", func(c *Config) { c.Sync.BatchSize = -1 }},
		{"poll interval", func(c *Config) { c.Sync.PollIntervalSeconds = 0 }},
		{"peer side", func(c *Config) { c.Sync.Peers = map[string]string{"wiki": "u"} }},
		{"peer user", func(c *Config) { c.Sync.Peers = map[string]string{"forum": " "} }},
		{"strategy", func(c *Config) { c.Conflict.DefaultStrategy = "coin_flip" }},
		{"addr", func(c *Config) { c.Server.Addr = "" }},
		{"database", func(c *Config) { c.Database.Path = "" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"base url", func(c *Config) { c.Platform.Forum.BaseURL = "ftp://forum" }},
		{"timeout", func(c *Config) { c.Platform.TimeoutSeconds = 0 }},
		{"retention", func(c *Config) { c.Maintenance.FailedRetentionDays = 0 }},
		{"stuck", func(c *Config) { c.Maintenance.StuckAfterMinutes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "got %v", err)
		})
	}

	assert.NoError(t, Default().Validate())
}
