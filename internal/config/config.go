package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version    string           `yaml:"version"`
	App        AppConfig        `yaml:"app"`
	Identity   IdentityConfig   `yaml:"identity"`
	Federation FederationConfig `yaml:"federation"`
	Issuance   IssuanceConfig   `yaml:"issuance"`
	Storage    StorageConfig    `yaml:"storage"`
	Sync       SyncConfig       `yaml:"sync"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	API        APIConfig        `yaml:"api"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// AppConfig contains process-wide settings.
type AppConfig struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	Timezone string `yaml:"timezone"`
}

// IdentityConfig points at the Cognito user pool used for sign-in.
type IdentityConfig struct {
	Region     string `yaml:"region"`
	UserPoolID string `yaml:"user_pool_id"`
	ClientID   string `yaml:"client_id"`
	AdminGroup string `yaml:"admin_group"`
	MFAEnabled bool   `yaml:"mfa_enabled"`
}

// FederationConfig configures the web-identity role exchange.
type FederationConfig struct {
	RoleARN     string        `yaml:"role_arn"`
	Region      string        `yaml:"region"`
	SessionName string        `yaml:"session_name"`
	Duration    time.Duration `yaml:"duration"`
}

// IssuanceConfig configures the backend service-credential function.
// An empty URL means unattended operation is unavailable.
type IssuanceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig describes the bucket profiles are bound to.
type StorageConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Remote string `yaml:"remote"`
}

// SyncConfig configures the external rclone binary.
type SyncConfig struct {
	RcloneBin    string   `yaml:"rclone_bin"`
	DefaultFlags []string `yaml:"default_flags"`
	HistoryLimit int      `yaml:"history_limit"`
}

// SchedulerConfig configures the in-process scheduler agent.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ScriptsDir   string        `yaml:"scripts_dir"`
	LogsDir      string        `yaml:"logs_dir"`
}

// APIConfig contains the local HTTP bridge configuration.
type APIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	APIKeys         []string      `yaml:"api_keys"`
	HeaderName      string        `yaml:"header_name"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig contains Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Scheduler.Enabled = true
	_ = cfg.Validate()
	return cfg
}

// DBPath returns the SQLite database location under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.App.DataDir, "cloudbackup.db")
}

// InteractiveToolConfigPath is the rclone config written from federated credentials.
func (c *Config) InteractiveToolConfigPath() string {
	return filepath.Join(c.App.DataDir, "rclone.conf")
}

// UnattendedToolConfigPath is the rclone config written from the service credential.
func (c *Config) UnattendedToolConfigPath() string {
	return filepath.Join(c.App.DataDir, "rclone-scheduled.conf")
}

// Location resolves the configured timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if c.App.Timezone == "" || strings.EqualFold(c.App.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = "1"
	}

	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := c.Federation.Validate(c.Identity.Region); err != nil {
		return fmt.Errorf("federation: %w", err)
	}
	if err := c.Issuance.Validate(); err != nil {
		return fmt.Errorf("issuance: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Scheduler.Validate(c.App.DataDir); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := c.Notify.Telegram.Validate(); err != nil {
		return fmt.Errorf("notify.telegram: %w", err)
	}
	return nil
}

func (a *AppConfig) Validate() error {
	if a.DataDir == "" {
		a.DataDir = defaultDataDir()
	}
	if a.LogLevel == "" {
		a.LogLevel = "info"
	}
	if a.Timezone != "" && !strings.EqualFold(a.Timezone, "local") {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", a.Timezone)
		}
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "cloud-backup-app")
	}
	return filepath.Join(".", "data")
}

func (i *IdentityConfig) Validate() error {
	if i.Region == "" {
		i.Region = "us-east-1"
	}
	if i.AdminGroup == "" {
		i.AdminGroup = "admins"
	}
	if i.UserPoolID != "" && !strings.HasPrefix(i.UserPoolID, i.Region+"_") {
		return fmt.Errorf("user_pool_id %q does not belong to region %s", i.UserPoolID, i.Region)
	}
	return nil
}

// Configured reports whether interactive sign-in is possible.
func (i *IdentityConfig) Configured() bool {
	return i.ClientID != ""
}

// Validate applies defaults and clamps the session duration to the STS limits.
func (f *FederationConfig) Validate(identityRegion string) error {
	if f.Region == "" {
		f.Region = identityRegion
	}
	if f.SessionName == "" {
		f.SessionName = "cloudbackup"
	}
	switch {
	case f.Duration == 0:
		f.Duration = time.Hour
	case f.Duration < 15*time.Minute:
		f.Duration = 15 * time.Minute
	case f.Duration > 12*time.Hour:
		f.Duration = 12 * time.Hour
	}
	if f.RoleARN != "" && !strings.HasPrefix(f.RoleARN, "arn:") {
		return fmt.Errorf("role_arn must be an ARN")
	}
	return nil
}

func (i *IssuanceConfig) Validate() error {
	if i.Timeout <= 0 {
		i.Timeout = 30 * time.Second
	}
	if i.URL != "" && !strings.HasPrefix(i.URL, "https://") && !strings.HasPrefix(i.URL, "http://") {
		return fmt.Errorf("url must be http(s)")
	}
	return nil
}

// Configured reports whether a backend issuance endpoint is set.
func (i *IssuanceConfig) Configured() bool {
	return i.URL != ""
}

func (s *StorageConfig) Validate() error {
	if s.Region == "" {
		s.Region = "us-east-1"
	}
	if s.Remote == "" {
		s.Remote = "aws"
	}
	if strings.ContainsAny(s.Remote, ":/ ") {
		return fmt.Errorf("remote %q must not contain ':', '/' or spaces", s.Remote)
	}
	return nil
}

// DefaultToolFlags are the extra flags every new profile starts with.
var DefaultToolFlags = []string{"--checksum", "--fast-list", "--transfers=8", "--checkers=32"}

func (s *SyncConfig) Validate() error {
	if s.RcloneBin == "" {
		s.RcloneBin = "rclone"
	}
	if len(s.DefaultFlags) == 0 {
		s.DefaultFlags = append([]string(nil), DefaultToolFlags...)
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = 100
	}
	return nil
}

func (s *SchedulerConfig) Validate(dataDir string) error {
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.PollInterval < time.Second {
		s.PollInterval = time.Second
	}
	if s.ScriptsDir == "" {
		s.ScriptsDir = filepath.Join(dataDir, "scripts")
	}
	if s.LogsDir == "" {
		s.LogsDir = filepath.Join(dataDir, "logs")
	}
	return nil
}

func (a *APIConfig) Validate() error {
	if a.Host == "" {
		a.Host = "127.0.0.1"
	}
	if a.Port == 0 {
		a.Port = 8765
	}
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if a.HeaderName == "" {
		a.HeaderName = "X-API-Key"
	}
	if a.RateLimitRPS <= 0 {
		a.RateLimitRPS = 20
	}
	if a.RateLimitBurst <= 0 {
		a.RateLimitBurst = 40
	}
	if a.ShutdownTimeout <= 0 {
		a.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Addr returns host:port for the listener.
func (a *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (t *TelegramConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.ChatID == 0 {
		return fmt.Errorf("chat_id is required when telegram is enabled")
	}
	return nil
}
