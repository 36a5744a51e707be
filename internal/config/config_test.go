package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the data dir at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCREENTRAIL_DATA_DIR", dir)
	for _, k := range []string{"DB_PATH", "INBOX_DIR", "REMOTE_URL", "REMOTE_TOKEN", "USER_ID", "BUCKET", "SEARCH", "LOG_LEVEL", "LOG_PATH"} {
		t.Setenv(EnvPrefix+k, "")
	}
	return dir
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	if cfg.CaptureInterval() != 5*time.Second {
		t.Errorf("expected interval 5s, got %v", cfg.CaptureInterval())
	}
	if cfg.MetadataDebounce() != 1500*time.Millisecond {
		t.Errorf("expected debounce 1.5s, got %v", cfg.MetadataDebounce())
	}
	if cfg.Remote.UploadAttempts != 3 || cfg.RemoteBackoff() != time.Second {
		t.Errorf("unexpected retry defaults: %d, %v", cfg.Remote.UploadAttempts, cfg.RemoteBackoff())
	}
	if cfg.SyncCooldown() != 5*time.Minute {
		t.Errorf("expected cooldown 5m, got %v", cfg.SyncCooldown())
	}

	if cfg.DatabasePath() != filepath.Join(dir, "screentrail.db") {
		t.Errorf("unexpected database path: %s", cfg.DatabasePath())
	}
	if cfg.SessionsDir() != filepath.Join(dir, "sessions") {
		t.Errorf("unexpected sessions dir: %s", cfg.SessionsDir())
	}
	if cfg.IndexPath() != filepath.Join(dir, "index.bleve") {
		t.Errorf("unexpected index path: %s", cfg.IndexPath())
	}
	if !strings.HasPrefix(cfg.LogPath(), dir) {
		t.Errorf("log path should be under the data dir: %s", cfg.LogPath())
	}
}

func TestPlatformDataDir(t *testing.T) {
	t.Setenv("SCREENTRAIL_DATA_DIR", "")
	dir := DataDir()
	if dir == "" {
		t.Fatal("DataDir returned empty string")
	}
	if !strings.Contains(dir, "screentrail") {
		t.Errorf("expected dir containing screentrail, got %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.IntervalSec != 5 {
		t.Errorf("expected interval 5, got %d", cfg.Capture.IntervalSec)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := isolate(t)
	configPath := filepath.Join(dir, "config.toml")

	content := `
# comments are allowed
version = 1

[storage]
database_path = "db/main.db"

[capture]
interval_sec = 10 # inline comment
kind = "tasked"

[remote]
base_url = "https://api.example.test"
user_id = "u-1"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Capture.IntervalSec != 10 {
		t.Errorf("expected interval 10, got %d", cfg.Capture.IntervalSec)
	}
	if cfg.Capture.Kind != "tasked" {
		t.Errorf("expected kind tasked, got %s", cfg.Capture.Kind)
	}
	if cfg.DatabasePath() != filepath.Join(dir, "db", "main.db") {
		t.Errorf("relative database path not resolved: %s", cfg.DatabasePath())
	}
	// Unset fields keep their defaults.
	if cfg.Metadata.DebounceMs != 1500 {
		t.Errorf("expected default debounce, got %d", cfg.Metadata.DebounceMs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config: %v", err)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := isolate(t)

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"capture": {"interval_sec": 3}, "sync": {"cooldown_sec": 60}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Capture.IntervalSec != 3 || cfg.Sync.CooldownSec != 60 {
		t.Errorf("unexpected JSON values: %+v %+v", cfg.Capture, cfg.Sync)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("logging:\n  level: debug\n  format: json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected YAML values: %+v", cfg.Logging)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := isolate(t)
	configPath := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(configPath, []byte("this is not valid toml {{{\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SCREENTRAIL_REMOTE_URL", "http://localhost:8787")
	t.Setenv("SCREENTRAIL_REMOTE_TOKEN", "s3cret")
	t.Setenv("SCREENTRAIL_USER_ID", "u-9")
	t.Setenv("SCREENTRAIL_SEARCH", "false")
	t.Setenv("SCREENTRAIL_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.BaseURL != "http://localhost:8787" || cfg.Remote.Token != "s3cret" || cfg.Remote.UserID != "u-9" {
		t.Errorf("remote overrides not applied: %+v", cfg.Remote)
	}
	if cfg.Search.Enabled {
		t.Error("expected search disabled")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Redacted().Remote.Token != "[REDACTED]" {
		t.Error("token should be redacted")
	}
	if cfg.Remote.Token != "s3cret" {
		t.Error("Redacted must not modify the original")
	}
}

func TestValidate(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}

	// Missing remote is a warning only.
	warnings := Check(cfg).Warnings()
	if len(warnings) != 1 || warnings[0].Field != "remote.base_url" {
		t.Errorf("expected one remote warning, got %v", warnings)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Capture.IntervalSec = 0
	cfg.Capture.Kind = "active"
	cfg.Remote.BaseURL = "ftp://example.test"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("expected errors.Is ErrInvalidConfig")
	}

	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{"capture.interval_sec", "capture.kind", "remote.base_url", "remote.user_id", "logging.level"} {
		if want == "remote.user_id" {
			// A warning, filtered out of the returned errors.
			if fields[want] {
				t.Errorf("%s should be a warning", want)
			}
			continue
		}
		if !fields[want] {
			t.Errorf("expected error for %s", want)
		}
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join("a", "b", "screentrail.db")
	cfg.Logging.Output = "file"

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, sub := range []string{filepath.Join("a", "b"), "sessions", "inbox", "logs"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); os.IsNotExist(err) {
			t.Errorf("%s was not created", sub)
		}
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := isolate(t)
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			cfg := DefaultConfig()
			cfg.Remote.BaseURL = "https://api.example.test"
			cfg.Remote.UserID = "u-1"
			cfg.Capture.IntervalSec = 9

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %v", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Capture.IntervalSec != 9 || loaded.Remote.UserID != "u-1" {
				t.Errorf("round trip lost values: %+v %+v", loaded.Capture, loaded.Remote)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "conf", "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing file to be loaded")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[capture]\ninterval_sec = 5\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 4)
	loader.OnChange(func(c *Config) { changed <- c })
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("[capture]\ninterval_sec = 12\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Capture.IntervalSec != 12 {
			t.Errorf("expected reloaded interval 12, got %d", c.Capture.IntervalSec)
		}
		if loader.Config().Capture.IntervalSec != 12 {
			t.Error("loader did not swap in the new config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[capture]\ninterval_sec = 5\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("[capture]\ninterval_sec = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-loader.Errors():
		if err == nil {
			t.Error("expected a validation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected reload error")
	}
	if loader.Config().Capture.IntervalSec != 5 {
		t.Error("invalid config must not replace the current one")
	}
}
