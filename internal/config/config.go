// Package config loads bridgesync configuration from a YAML or TOML file,
// applies BRIDGESYNC_* environment overrides, and validates the result.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BRIDGESYNC_"

// Config represents the complete bridgesync configuration.
type Config struct {
	Sync        SyncConfig        `yaml:"sync" toml:"sync"`
	Conflict    ConflictConfig    `yaml:"conflict" toml:"conflict"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Log         LogConfig         `yaml:"log" toml:"log"`
	Platform    PlatformsConfig   `yaml:"platform" toml:"platform"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
}

// SyncConfig holds queue and worker settings.
type SyncConfig struct {
	Enabled             bool `yaml:"enabled" toml:"enabled"`
	MaxAttempts         int  `yaml:"max_attempts" toml:"max_attempts"`
	BatchSize           int  `yaml:"batch_size" toml:"batch_size"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds" toml:"poll_interval_seconds"`
	// Peers maps a side ("cms" or "forum") to the user id of the peer that
	// pulls that side's changes through the batch endpoint. Sides without a
	// peer are pushed by the worker.
	Peers map[string]string `yaml:"peers" toml:"peers"`
}

// ConflictConfig holds conflict resolution settings.
type ConflictConfig struct {
	DefaultStrategy string `yaml:"default_strategy" toml:"default_strategy"`
	AutoResolve     bool   `yaml:"auto_resolve" toml:"auto_resolve"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// AuthConfig holds bearer authentication settings.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	StaticToken   string `yaml:"static_token" toml:"static_token"`
	StaticUser    string `yaml:"static_user" toml:"static_user"`
	TokenTTLHours int    `yaml:"token_ttl_hours" toml:"token_ttl_hours"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// PlatformsConfig holds the remote platform endpoints.
type PlatformsConfig struct {
	CMS            PlatformConfig `yaml:"cms" toml:"cms"`
	Forum          PlatformConfig `yaml:"forum" toml:"forum"`
	TimeoutSeconds int            `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// PlatformConfig holds one platform endpoint.
type PlatformConfig struct {
	BaseURL  string            `yaml:"base_url" toml:"base_url"`
	Token    string            `yaml:"token" toml:"token"`
	FieldMap map[string]string `yaml:"field_map" toml:"field_map"`
}

// MaintenanceConfig holds queue housekeeping settings.
type MaintenanceConfig struct {
	Enabled                bool   `yaml:"enabled" toml:"enabled"`
	Schedule               string `yaml:"schedule" toml:"schedule"`
	CompletedRetentionDays int    `yaml:"completed_retention_days" toml:"completed_retention_days"`
	FailedRetentionDays    int    `yaml:"failed_retention_days" toml:"failed_retention_days"`
	StuckAfterMinutes      int    `yaml:"stuck_after_minutes" toml:"stuck_after_minutes"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Enabled:             true,
			MaxAttempts:         3,
			BatchSize:           100,
			PollIntervalSeconds: 30,
		},
		Conflict: ConflictConfig{
			DefaultStrategy: string(models.StrategyPreferMostRecent),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Auth: AuthConfig{
			StaticUser:    "admin",
			TokenTTLHours: 24,
		},
		Database: DatabaseConfig{
			Path: "bridgesync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Platform: PlatformsConfig{
			TimeoutSeconds: 30,
		},
		Maintenance: MaintenanceConfig{
			Enabled:                true,
			Schedule:               "@every 24h",
			CompletedRetentionDays: 30,
			FailedRetentionDays:    90,
			StuckAfterMinutes:      60,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		return nil
	case ".yaml", ".yml", "":
		// #nosec G304 - path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		return nil
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unsupported config file type %q", filepath.Ext(path))
	}
}

// applyEnvironment applies environment variable overrides.
// Variables follow the pattern BRIDGESYNC_<SECTION>_<KEY>.
func (c *Config) applyEnvironment() {
	setBool(&c.Sync.Enabled, "SYNC_ENABLED")
	setInt(&c.Sync.MaxAttempts, "SYNC_MAX_ATTEMPTS")
	setInt(&c.Sync.BatchSize, "SYNC_BATCH_SIZE")
	setInt(&c.Sync.PollIntervalSeconds, "SYNC_POLL_INTERVAL_SECONDS")
	for _, side := range []models.Side{models.SideCMS, models.SideForum} {
		if v := env("SYNC_PEER_" + strings.ToUpper(string(side))); v != "" {
			if c.Sync.Peers == nil {
				c.Sync.Peers = make(map[string]string)
			}
			c.Sync.Peers[string(side)] = v
		}
	}

	setString(&c.Conflict.DefaultStrategy, "CONFLICT_DEFAULT_STRATEGY")
	setBool(&c.Conflict.AutoResolve, "CONFLICT_AUTO_RESOLVE")

	setString(&c.Server.Addr, "SERVER_ADDR")
	if v := env("SERVER_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	setString(&c.Auth.JWTSecret, "AUTH_JWT_SECRET")
	setString(&c.Auth.StaticToken, "AUTH_STATIC_TOKEN")
	setString(&c.Auth.StaticUser, "AUTH_STATIC_USER")
	setInt(&c.Auth.TokenTTLHours, "AUTH_TOKEN_TTL_HOURS")

	setString(&c.Database.Path, "DATABASE_PATH")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	setString(&c.Platform.CMS.BaseURL, "PLATFORM_CMS_BASE_URL")
	setString(&c.Platform.CMS.Token, "PLATFORM_CMS_TOKEN")
	setString(&c.Platform.Forum.BaseURL, "PLATFORM_FORUM_BASE_URL")
	setString(&c.Platform.Forum.Token, "PLATFORM_FORUM_TOKEN")
	setInt(&c.Platform.TimeoutSeconds, "PLATFORM_TIMEOUT_SECONDS")

	setBool(&c.Maintenance.Enabled, "MAINTENANCE_ENABLED")
	setString(&c.Maintenance.Schedule, "MAINTENANCE_SCHEDULE")
	setInt(&c.Maintenance.CompletedRetentionDays, "MAINTENANCE_COMPLETED_RETENTION_DAYS")
	setInt(&c.Maintenance.FailedRetentionDays, "MAINTENANCE_FAILED_RETENTION_DAYS")
	setInt(&c.Maintenance.StuckAfterMinutes, "MAINTENANCE_STUCK_AFTER_MINUTES")
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Sync.MaxAttempts < 1 {
		problems = append(problems, "sync.max_attempts must be at least 1")
	}
	if c.Sync.BatchSize < 1 {
		problems = append(problems, "sync.batch_size must be at least 1")
	}
	if c.Sync.PollIntervalSeconds < 1 {
		problems = append(problems, "sync.poll_interval_seconds must be at least 1")
	}
	for side, user := range c.Sync.Peers {
		if _, err := models.ParseSide(side); err != nil {
			problems = append(problems, fmt.Sprintf("sync.peers: unknown side %q", side))
		}
		if strings.TrimSpace(user) == "" {
			problems = append(problems, fmt.Sprintf("sync.peers.%s: user id is empty", side))
		}
	}
	if _, err := models.ParseConflictStrategy(c.Conflict.DefaultStrategy); err != nil {
		problems = append(problems, fmt.Sprintf("conflict.default_strategy: unknown strategy %q", c.Conflict.DefaultStrategy))
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}
	for name, p := range map[string]PlatformConfig{"cms": c.Platform.CMS, "forum": c.Platform.Forum} {
		if p.BaseURL == "" {
			continue
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("platform.%s.base_url is not an http(s) URL", name))
		}
	}
	if c.Platform.TimeoutSeconds < 1 {
		problems = append(problems, "platform.timeout_seconds must be at least 1")
	}
	if c.Maintenance.CompletedRetentionDays < 1 || c.Maintenance.FailedRetentionDays < 1 {
		problems = append(problems, "maintenance retention must be at least 1 day")
	}
	if c.Maintenance.StuckAfterMinutes < 1 {
		problems = append(problems, "maintenance.stuck_after_minutes must be at least 1")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrInvalid, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// Strategy returns the validated default conflict strategy.
func (c *Config) Strategy() models.ConflictStrategy {
	s, err := models.ParseConflictStrategy(c.Conflict.DefaultStrategy)
	if err != nil {
		return models.StrategyPreferMostRecent
	}
	return s
}

// PeerScopes returns the configured peers keyed by side.
func (c *Config) PeerScopes() map[models.Side]string {
	out := make(map[models.Side]string, len(c.Sync.Peers))
	for side, user := range c.Sync.Peers {
		if s, err := models.ParseSide(side); err == nil && user != "" {
			out[s] = user
		}
	}
	return out
}

// PollInterval returns the worker poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSeconds) * time.Second
}

// PlatformTimeout returns the per-call remote timeout.
func (c *Config) PlatformTimeout() time.Duration {
	return time.Duration(c.Platform.TimeoutSeconds) * time.Second
}

// TokenTTL returns the lifetime of minted tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

// PlatformFor returns the endpoint configuration for side.
func (c *Config) PlatformFor(side models.Side) PlatformConfig {
	if side == models.SideCMS {
		return c.Platform.CMS
	}
	return c.Platform.Forum
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func setString(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := env(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if v := env(key); v != "" {
		*dst = parseBool(v)
	}
}

// parseBool parses a boolean from common string representations.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
