// Package config handles configuration loading and validation for screentrail.
//
// Configuration is loaded from TOML (primary), JSON, or YAML files and can be
// overridden with SCREENTRAIL_* environment variables. Relative paths are
// resolved against the data directory.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCREENTRAIL_"

// Config is the complete screentrail configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Capture  CaptureConfig  `toml:"capture" json:"capture" yaml:"capture"`
	Metadata MetadataConfig `toml:"metadata" json:"metadata" yaml:"metadata"`
	Remote   RemoteConfig   `toml:"remote" json:"remote" yaml:"remote"`
	Sync     SyncConfig     `toml:"sync" json:"sync" yaml:"sync"`
	Search   SearchConfig   `toml:"search" json:"search" yaml:"search"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex
}

// StorageConfig locates the local database and session folders.
type StorageConfig struct {
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// DatabasePath defaults to <data_dir>/screentrail.db.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// SessionsDir defaults to <data_dir>/sessions.
	SessionsDir string `toml:"sessions_dir" json:"sessions_dir" yaml:"sessions_dir"`

	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// CaptureConfig controls the recorder.
type CaptureConfig struct {
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	SourceID string `toml:"source_id" json:"source_id" yaml:"source_id"`

	// Kind is the default session kind: passive or tasked.
	Kind string `toml:"kind" json:"kind" yaml:"kind"`

	// InboxDir defaults to <data_dir>/inbox.
	InboxDir string `toml:"inbox_dir" json:"inbox_dir" yaml:"inbox_dir"`

	SettleMs int `toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`
}

// MetadataConfig controls metadata regeneration.
type MetadataConfig struct {
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// RemoteConfig describes the remote backend.
type RemoteConfig struct {
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	Token string `toml:"token" json:"token" yaml:"token"`

	UserID string `toml:"user_id" json:"user_id" yaml:"user_id"`

	Bucket string `toml:"bucket" json:"bucket" yaml:"bucket"`

	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	UploadAttempts int `toml:"upload_attempts" json:"upload_attempts" yaml:"upload_attempts"`

	BackoffMs int `toml:"backoff_ms" json:"backoff_ms" yaml:"backoff_ms"`
}

// SyncConfig controls remote-to-local sync.
type SyncConfig struct {
	CooldownSec int `toml:"cooldown_sec" json:"cooldown_sec" yaml:"cooldown_sec"`
}

// SearchConfig controls the full-text index.
type SearchConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// IndexPath defaults to <data_dir>/index.bleve.
	IndexPath string `toml:"index_path" json:"index_path" yaml:"index_path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`

	Format string `toml:"format" json:"format" yaml:"format"`

	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath defaults to <data_dir>/logs/screentrail.log.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns the default configuration rooted at DataDir().
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DataDir:       DataDir(),
			BusyTimeoutMs: 5000,
		},
		Capture: CaptureConfig{
			IntervalSec: 5,
			Kind:        "passive",
			SettleMs:    500,
		},
		Metadata: MetadataConfig{
			DebounceMs: 1500,
		},
		Remote: RemoteConfig{
			Bucket:         "recordings",
			TimeoutSec:     30,
			UploadAttempts: 3,
			BackoffMs:      1000,
		},
		Sync: SyncConfig{
			CooldownSec: 300,
		},
		Search: SearchConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DataDir returns the base screentrail directory.
// Uses platform-specific paths or the SCREENTRAIL_DATA_DIR override.
func DataDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if found := FindConfigFile(); found != "" {
		return found
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path and applies environment overrides.
// A missing file yields the defaults. The format follows the extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// resolve makes p absolute against the data directory, falling back to def
// when p is empty.
func (c *Config) resolve(p, def string) string {
	if p == "" {
		p = def
	}
	p = expandPath(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(expandPath(c.Storage.DataDir), p)
}

// DataPath returns the resolved data directory.
func (c *Config) DataPath() string {
	return expandPath(c.Storage.DataDir)
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Storage.DatabasePath, "screentrail.db")
}

// SessionsDir returns the root of the session folders.
func (c *Config) SessionsDir() string {
	return c.resolve(c.Storage.SessionsDir, "sessions")
}

// InboxDir returns the folder capture inbox.
func (c *Config) InboxDir() string {
	return c.resolve(c.Capture.InboxDir, "inbox")
}

// IndexPath returns the search index path.
func (c *Config) IndexPath() string {
	return c.resolve(c.Search.IndexPath, "index.bleve")
}

// LogPath returns the log file path.
func (c *Config) LogPath() string {
	return c.resolve(c.Logging.FilePath, filepath.Join("logs", "screentrail.log"))
}

// CrashDir returns the crash report directory.
func (c *Config) CrashDir() string {
	return filepath.Join(c.DataPath(), "crashes")
}

// CaptureInterval returns the capture polling interval.
func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.Capture.IntervalSec) * time.Second
}

// CaptureSettle returns how long inbox files must be unchanged.
func (c *Config) CaptureSettle() time.Duration {
	return time.Duration(c.Capture.SettleMs) * time.Millisecond
}

// MetadataDebounce returns the metadata regeneration delay.
func (c *Config) MetadataDebounce() time.Duration {
	return time.Duration(c.Metadata.DebounceMs) * time.Millisecond
}

// RemoteTimeout returns the per-request remote timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSec) * time.Second
}

// RemoteBackoff returns the base upload retry delay.
func (c *Config) RemoteBackoff() time.Duration {
	return time.Duration(c.Remote.BackoffMs) * time.Millisecond
}

// SyncCooldown returns the minimum gap between automatic syncs.
func (c *Config) SyncCooldown() time.Duration {
	return time.Duration(c.Sync.CooldownSec) * time.Second
}

// EnsureDirectories creates all directories the application writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataPath(),
		filepath.Dir(c.DatabasePath()),
		c.SessionsDir(),
		c.InboxDir(),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.LogPath()))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SCREENTRAIL_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}

	if v := os.Getenv(EnvPrefix + "INBOX_DIR"); v != "" {
		c.Capture.InboxDir = v
	}

	// Remote credentials are usually kept out of the file.
	if v := os.Getenv(EnvPrefix + "REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "REMOTE_TOKEN"); v != "" {
		c.Remote.Token = v
	}
	if v := os.Getenv(EnvPrefix + "USER_ID"); v != "" {
		c.Remote.UserID = v
	}
	if v := os.Getenv(EnvPrefix + "BUCKET"); v != "" {
		c.Remote.Bucket = v
	}

	if v := os.Getenv(EnvPrefix + "SEARCH"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Search.Enabled = enabled
		}
	}

	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:  c.Version,
		Storage:  c.Storage,
		Capture:  c.Capture,
		Metadata: c.Metadata,
		Remote:   c.Remote,
		Sync:     c.Sync,
		Search:   c.Search,
		Logging:  c.Logging,
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.Remote.Token != "" {
		clone.Remote.Token = "[REDACTED]"
	}
	return clone
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return encodeToTOML(c)
}

func encodeToTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# screentrail configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
