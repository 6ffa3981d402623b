// Package config provides settings management for zoom-meeting-download
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tribloom/Zoom-Meeting-Download/internal/window"
)

// Auth types supported by the Zoom credential provider
const (
	AuthTypeAccountCredentials = "account_credentials"
	AuthTypeJWT                = "jwt"
)

// ZoomConfig holds Zoom API authentication and connection settings
type ZoomConfig struct {
	AccountID    string `yaml:"account_id" json:"account_id" toml:"account_id"`
	ClientID     string `yaml:"client_id" json:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret" toml:"client_secret"`
	BaseURL      string `yaml:"base_url" json:"base_url" toml:"base_url"`
	OAuthURL     string `yaml:"oauth_url" json:"oauth_url" toml:"oauth_url"`
	AuthType     string `yaml:"auth_type" json:"auth_type" toml:"auth_type"`
}

// DownloadConfig holds retrieval and download settings
type DownloadConfig struct {
	OutputDir          string `yaml:"output_dir" json:"output_dir" toml:"output_dir"`
	Workers            int    `yaml:"workers" json:"workers" toml:"workers"`
	BatchSize          int    `yaml:"batch_size" json:"batch_size" toml:"batch_size"`
	JoinTimeoutMinutes int    `yaml:"join_timeout_minutes" json:"join_timeout_minutes" toml:"join_timeout_minutes"`
	TimeoutSeconds     int    `yaml:"timeout_seconds" json:"timeout_seconds" toml:"timeout_seconds"`
	HeaderTimeoutSecs  int    `yaml:"response_header_timeout_seconds" json:"response_header_timeout_seconds" toml:"response_header_timeout_seconds"`
	PageSize           int    `yaml:"page_size" json:"page_size" toml:"page_size"`
	Timezone           string `yaml:"timezone" json:"timezone" toml:"timezone"`
}

// TimeoutDuration returns the timeout of one API request as a time.Duration
func (d DownloadConfig) TimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout bounds the wait for a file download's response headers.
// The transfer itself has no overall deadline.
func (d DownloadConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(d.HeaderTimeoutSecs) * time.Second
}

// JoinTimeout returns how long one download worker may spend on a meeting
func (d DownloadConfig) JoinTimeout() time.Duration {
	return time.Duration(d.JoinTimeoutMinutes) * time.Minute
}

// Location resolves the timezone used for meeting directory names.
// An empty timezone means the local zone of the machine.
func (d DownloadConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(d.Timezone)
}

// RetryPolicyConfig holds the backoff settings for one class of remote call
type RetryPolicyConfig struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms" json:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms" json:"max_delay_ms" toml:"max_delay_ms"`
}

// BaseDelay returns the first backoff delay
func (r RetryPolicyConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap
func (r RetryPolicyConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// RetryConfig groups the policies for credential, lookup and download calls.
// Lookups tolerate more attempts than downloads.
type RetryConfig struct {
	Credential RetryPolicyConfig `yaml:"credential" json:"credential" toml:"credential"`
	Lookup     RetryPolicyConfig `yaml:"lookup" json:"lookup" toml:"lookup"`
	Download   RetryPolicyConfig `yaml:"download" json:"download" toml:"download"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" toml:"level"`
	File       string `yaml:"file" json:"file" toml:"file"`
	Dir        string `yaml:"dir" json:"dir" toml:"dir"`
	Console    *bool  `yaml:"console" json:"console" toml:"console"`
	JSONFormat bool   `yaml:"json_format" json:"json_format" toml:"json_format"`
}

// ConsoleEnabled reports whether log lines are mirrored to stdout (default true)
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// SyncConfig holds settings for the downstream cloud sync command
type SyncConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Command    string `yaml:"command" json:"command" toml:"command"`
	Remote     string `yaml:"remote" json:"remote" toml:"remote"`
	RemotePath string `yaml:"remote_path" json:"remote_path" toml:"remote_path"`
	Transfers  int    `yaml:"transfers" json:"transfers" toml:"transfers"`
}

// UsersConfig holds settings for multi-user runs
type UsersConfig struct {
	File  string `yaml:"file" json:"file" toml:"file"`
	Watch bool   `yaml:"watch" json:"watch" toml:"watch"`
}

// Config represents the complete application configuration
type Config struct {
	Zoom         ZoomConfig     `yaml:"zoom" json:"zoom" toml:"zoom"`
	EarliestDate string         `yaml:"earliest_date" json:"earliest_date" toml:"earliest_date"`
	Testing      bool           `yaml:"testing" json:"testing" toml:"testing"`
	Download     DownloadConfig `yaml:"download" json:"download" toml:"download"`
	Retry        RetryConfig    `yaml:"retry" json:"retry" toml:"retry"`
	Logging      LoggingConfig  `yaml:"logging" json:"logging" toml:"logging"`
	Sync         SyncConfig     `yaml:"sync" json:"sync" toml:"sync"`
	Users        UsersConfig    `yaml:"users" json:"users" toml:"users"`
}

// Floor returns the account-wide earliest retrievable date
func (c *Config) Floor() (time.Time, error) {
	t, err := time.Parse(window.DateLayout, c.EarliestDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("earliest_date %q: %w", c.EarliestDate, err)
	}
	return t, nil
}

// LoadConfig loads settings from a JSON, YAML or TOML file, applies defaults
// and environment overrides, then validates the result.
// A .env file next to the settings file is loaded first when present.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	if err := config.loadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	config.setDefaults()
	config.loadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadDotEnv exports variables from an optional .env file without
// overriding variables that are already set
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadFromFile decodes the settings file according to its extension
func (c *Config) loadFromFile(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return nil
}

// setDefaults applies default values for missing configuration
func (c *Config) setDefaults() {
	if c.Zoom.BaseURL == "" {
		c.Zoom.BaseURL = "https://api.zoom.us/v2"
	}
	if c.Zoom.OAuthURL == "" {
		c.Zoom.OAuthURL = "https://zoom.us/oauth/token"
	}
	if c.Zoom.AuthType == "" {
		c.Zoom.AuthType = AuthTypeAccountCredentials
	}

	if c.EarliestDate == "" {
		c.EarliestDate = "2019-09-26"
	}

	if c.Download.OutputDir == "" {
		c.Download.OutputDir = "./downloads"
	}
	if c.Download.Workers == 0 {
		c.Download.Workers = 8
	}
	if c.Download.BatchSize == 0 {
		c.Download.BatchSize = 25000
	}
	if c.Download.JoinTimeoutMinutes == 0 {
		c.Download.JoinTimeoutMinutes = 120
	}
	if c.Download.TimeoutSeconds == 0 {
		c.Download.TimeoutSeconds = 3600
	}
	if c.Download.HeaderTimeoutSecs == 0 {
		c.Download.HeaderTimeoutSecs = 120
	}
	if c.Download.PageSize == 0 {
		c.Download.PageSize = 300
	}

	defaultPolicy(&c.Retry.Credential, 10)
	defaultPolicy(&c.Retry.Lookup, 10)
	defaultPolicy(&c.Retry.Download, 5)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" && c.Logging.Dir == "" {
		c.Logging.Dir = "./logs"
	}

	if c.Sync.Command == "" {
		c.Sync.Command = "rclone"
	}
	if c.Sync.Remote == "" {
		c.Sync.Remote = "gdrive"
	}
	if c.Sync.RemotePath == "" {
		c.Sync.RemotePath = "ZoomRecordings"
	}
	if c.Sync.Transfers == 0 {
		c.Sync.Transfers = 6
	}
}

func defaultPolicy(p *RetryPolicyConfig, attempts int) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = attempts
	}
	if p.BaseDelayMs == 0 {
		p.BaseDelayMs = 5000
	}
	if p.MaxDelayMs == 0 {
		p.MaxDelayMs = 50000
	}
}

// loadFromEnvironment overrides configuration with environment variables
func (c *Config) loadFromEnvironment() {
	if val := os.Getenv("ZOOM_ACCOUNT_ID"); val != "" {
		c.Zoom.AccountID = val
	}
	if val := os.Getenv("ZOOM_CLIENT_ID"); val != "" {
		c.Zoom.ClientID = val
	}
	if val := os.Getenv("ZOOM_CLIENT_SECRET"); val != "" {
		c.Zoom.ClientSecret = val
	}
	if val := os.Getenv("ZOOM_BASE_URL"); val != "" {
		c.Zoom.BaseURL = val
	}
	if val := os.Getenv("ZOOM_OAUTH_URL"); val != "" {
		c.Zoom.OAuthURL = val
	}
	if val := os.Getenv("DOWNLOAD_OUTPUT_DIR"); val != "" {
		c.Download.OutputDir = val
	}
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	if c.Zoom.ClientID == "" {
		return fmt.Errorf("zoom.client_id is required")
	}
	if c.Zoom.ClientSecret == "" {
		return fmt.Errorf("zoom.client_secret is required")
	}
	switch c.Zoom.AuthType {
	case AuthTypeAccountCredentials:
		if c.Zoom.AccountID == "" {
			return fmt.Errorf("zoom.account_id is required for %s auth", AuthTypeAccountCredentials)
		}
	case AuthTypeJWT:
	default:
		return fmt.Errorf("zoom.auth_type must be one of: %s, %s", AuthTypeAccountCredentials, AuthTypeJWT)
	}

	if _, err := c.Floor(); err != nil {
		return fmt.Errorf("earliest_date must use the %s format: %w", window.DateLayout, err)
	}

	if c.Download.Workers < 1 {
		return fmt.Errorf("download.workers must be greater than 0")
	}
	if c.Download.BatchSize < 1 {
		return fmt.Errorf("download.batch_size must be greater than 0")
	}
	if c.Download.TimeoutSeconds < 0 {
		return fmt.Errorf("download.timeout_seconds must be >= 0")
	}
	if c.Download.HeaderTimeoutSecs < 0 {
		return fmt.Errorf("download.response_header_timeout_seconds must be >= 0")
	}
	if c.Download.PageSize < 1 || c.Download.PageSize > 300 {
		return fmt.Errorf("download.page_size must be between 1 and 300")
	}
	if _, err := c.Download.Location(); err != nil {
		return fmt.Errorf("download.timezone: %w", err)
	}

	for name, p := range map[string]RetryPolicyConfig{
		"credential": c.Retry.Credential,
		"lookup":     c.Retry.Lookup,
		"download":   c.Retry.Download,
	} {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("retry.%s.max_attempts must be greater than 0", name)
		}
		if p.MaxDelayMs < p.BaseDelayMs {
			return fmt.Errorf("retry.%s.max_delay_ms cannot be less than base_delay_ms", name)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	if c.Sync.Enabled && c.Sync.Transfers < 1 {
		return fmt.Errorf("sync.transfers must be greater than 0")
	}

	return nil
}
