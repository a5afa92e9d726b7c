package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envPostgresDSN       = "LOTBOT_POSTGRES_DSN"
	envConfigPath        = "LOTBOT_CONFIG"
	envAdminToken        = "LOTBOT_ADMIN_TOKEN"
)

const (
	DefaultBaseDelayMillis       = 3000
	DefaultPerItemMillis         = 200
	DefaultCeilingMillis         = 10000
	DefaultWidenThreshold        = 5
	DefaultSessionTimeoutMinutes = 30
	DefaultStateExpiryMinutes    = 15
	DefaultSweepSchedule         = "@every 5m"
	DefaultStorageRoot           = ".lotbot/images"
	DefaultJPEGQuality           = 80
	DefaultMaxImageBytes         = 20 * 1024 * 1024
	DefaultTimezone              = "Local"
)

// ErrConfigNotFound is returned when no config.json exists in the default locations.
var ErrConfigNotFound = errors.New("config.json not found")

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Channels     ChannelsConfig     `json:"channels"`
	Upload       UploadConfig       `json:"upload"`
	Conversation ConversationConfig `json:"conversation"`
	Sweep        SweepConfig        `json:"sweep"`
	Storage      StorageConfig      `json:"storage"`
	Postgres     PostgresConfig     `json:"postgres"`
	Gateway      GatewayConfig      `json:"gateway"`
	Logging      LoggingConfig      `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" validate:"omitempty,oneof=json text"`
	Level     string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token" validate:"required_if=Enabled true"`
	AllowFrom []string `json:"allow_from"`
}

// UploadConfig tunes the upload aggregator debounce and session lifetime.
type UploadConfig struct {
	BaseDelayMillis       int    `json:"base_delay_ms" validate:"gt=0"`
	PerItemMillis         int    `json:"per_item_ms" validate:"gte=0"`
	CeilingMillis         int    `json:"ceiling_ms" validate:"gtefield=BaseDelayMillis"`
	WidenThreshold        int    `json:"widen_threshold" validate:"gte=0"`
	SessionTimeoutMinutes int    `json:"session_timeout_minutes" validate:"gt=0"`
	Timezone              string `json:"timezone"`
}

// ConversationConfig controls conversation state expiry.
type ConversationConfig struct {
	ExpiryMinutes int `json:"expiry_minutes" validate:"gt=0"`
}

// SweepConfig holds the cron spec for periodic state and session sweeps.
type SweepConfig struct {
	Schedule string `json:"schedule" validate:"required"`
}

// StorageConfig configures the local image object store.
type StorageConfig struct {
	Root          string `json:"root" validate:"required"`
	JPEGQuality   int    `json:"jpeg_quality" validate:"min=1,max=100"`
	MaxImageBytes int64  `json:"max_image_bytes" validate:"gt=0"`
}

// PostgresConfig selects the Postgres lot repository. An empty DSN keeps lots in memory.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// GatewayConfig configures HTTP status server bind settings. When
// AdminToken is empty the /admin endpoints only answer loopback peers.
type GatewayConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port" validate:"gte=0,lte=65535"`
	AdminToken string `json:"admin_token,omitempty"`
}

// BaseDelay returns the debounce base delay.
func (u UploadConfig) BaseDelay() time.Duration {
	return time.Duration(u.BaseDelayMillis) * time.Millisecond
}

// PerItem returns the per-item widening increment.
func (u UploadConfig) PerItem() time.Duration {
	return time.Duration(u.PerItemMillis) * time.Millisecond
}

// Ceiling returns the maximum effective debounce delay.
func (u UploadConfig) Ceiling() time.Duration {
	return time.Duration(u.CeilingMillis) * time.Millisecond
}

// SessionTimeout returns the staleness threshold for upload sessions.
func (u UploadConfig) SessionTimeout() time.Duration {
	return time.Duration(u.SessionTimeoutMinutes) * time.Minute
}

// Location resolves the timezone used to date flushed batches.
func (u UploadConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(u.Timezone)
	if name == "" || name == DefaultTimezone {
		return time.Local, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}

	return loc, nil
}

// Expiry returns the conversation state expiry age.
func (c ConversationConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryMinutes) * time.Minute
}

// LoadConfig resolves config.json, unmarshals it, applies environment overrides and defaults,
// and validates the result.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no channel enabled.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued settings.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Upload.BaseDelayMillis == 0 {
		cfg.Upload.BaseDelayMillis = DefaultBaseDelayMillis
	}
	if cfg.Upload.PerItemMillis == 0 {
		cfg.Upload.PerItemMillis = DefaultPerItemMillis
	}
	if cfg.Upload.CeilingMillis == 0 {
		cfg.Upload.CeilingMillis = DefaultCeilingMillis
	}
	if cfg.Upload.WidenThreshold == 0 {
		cfg.Upload.WidenThreshold = DefaultWidenThreshold
	}
	if cfg.Upload.SessionTimeoutMinutes == 0 {
		cfg.Upload.SessionTimeoutMinutes = DefaultSessionTimeoutMinutes
	}
	if strings.TrimSpace(cfg.Upload.Timezone) == "" {
		cfg.Upload.Timezone = DefaultTimezone
	}
	if cfg.Conversation.ExpiryMinutes == 0 {
		cfg.Conversation.ExpiryMinutes = DefaultStateExpiryMinutes
	}
	if strings.TrimSpace(cfg.Sweep.Schedule) == "" {
		cfg.Sweep.Schedule = DefaultSweepSchedule
	}
	if strings.TrimSpace(cfg.Storage.Root) == "" {
		cfg.Storage.Root = DefaultStorageRoot
	}
	if cfg.Storage.JPEGQuality == 0 {
		cfg.Storage.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.Storage.MaxImageBytes == 0 {
		cfg.Storage.MaxImageBytes = DefaultMaxImageBytes
	}
}

// Validate checks struct constraints on the loaded configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if dsn := strings.TrimSpace(os.Getenv(envPostgresDSN)); dsn != "" {
		cfg.Postgres.DSN = dsn
	}

	if token := strings.TrimSpace(os.Getenv(envAdminToken)); token != "" {
		cfg.Gateway.AdminToken = token
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is LOTBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrConfigNotFound, candidates[0], candidates[1])
}
