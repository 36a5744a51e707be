package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Is lets errors.Is match ErrInvalidConfig against a ValidationErrors value.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

// ValidateConfig validates c and returns ValidationErrors holding every
// problem found, or nil. Warning-level entries alone do not fail validation.
func ValidateConfig(c *Config) error {
	errs := Check(c)
	if errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

// Check returns every validation finding, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(c)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateMetadata(&c.Metadata)...)
	errs = append(errs, validateRemote(&c.Remote)...)
	errs = append(errs, validateSync(&c.Sync)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	return errs
}

func validateStorage(c *Config) ValidationErrors {
	var errs ValidationErrors
	s := &c.Storage

	if s.DataDir == "" {
		errs = append(errs, *RequiredFieldError("storage.data_dir"))
	} else if info, err := os.Stat(expandPath(s.DataDir)); err == nil && !info.IsDir() {
		errs = append(errs, ValidationError{
			Field:   "storage.data_dir",
			Message: fmt.Sprintf("not a directory: %s", s.DataDir),
		})
	}

	// Parent of the database must be a directory if it exists already.
	dir := filepath.Dir(c.DatabasePath())
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		errs = append(errs, ValidationError{
			Field:   "storage.database_path",
			Message: fmt.Sprintf("parent path is not a directory: %s", dir),
		})
	}

	if c.SessionsDir() == c.DataPath() {
		errs = append(errs, ValidationError{
			Field:   "storage.sessions_dir",
			Message: "sessions directory must not be the data directory itself",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateCapture(cc *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	if cc.IntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "capture.interval_sec",
			Message: "capture interval must be at least 1 second",
		})
	}
	if cc.IntervalSec > 3600 {
		errs = append(errs, *RangeError("capture.interval_sec", 1, 3600))
	}

	switch cc.Kind {
	case "passive", "tasked":
	default:
		errs = append(errs, ValidationError{
			Field:   "capture.kind",
			Message: fmt.Sprintf("invalid session kind: %s (valid: passive, tasked)", cc.Kind),
		})
	}

	if cc.SettleMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "capture.settle_ms",
			Message: "settle time cannot be negative",
		})
	}

	return errs
}

func validateMetadata(m *MetadataConfig) ValidationErrors {
	var errs ValidationErrors

	if m.DebounceMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "metadata.debounce_ms",
			Message: "debounce must be at least 100ms",
		})
	}
	if m.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "metadata.debounce_ms",
			Message: "debounce cannot exceed 60000ms (1 minute)",
		})
	}

	return errs
}

func validateRemote(r *RemoteConfig) ValidationErrors {
	var errs ValidationErrors

	if r.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "remote.base_url",
			Message: "no remote configured; submit and sync are unavailable",
		})
	} else if !isValidURL(r.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "remote.base_url",
			Message: fmt.Sprintf("invalid URL: %s (expected http or https)", r.BaseURL),
		})
	}

	if r.BaseURL != "" && r.UserID == "" {
		errs = append(errs, ValidationError{
			Field:   "remote.user_id",
			Message: "user id is required to submit or sync",
		})
	}

	if r.Bucket == "" || strings.ContainsAny(r.Bucket, "/\\") {
		errs = append(errs, ValidationError{
			Field:   "remote.bucket",
			Message: fmt.Sprintf("invalid bucket name: %q", r.Bucket),
		})
	}

	if r.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "remote.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	if r.UploadAttempts < 1 || r.UploadAttempts > 10 {
		errs = append(errs, *RangeError("remote.upload_attempts", 1, 10))
	}

	if r.BackoffMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "remote.backoff_ms",
			Message: "backoff cannot be negative",
		})
	}

	return errs
}

func validateSync(s *SyncConfig) ValidationErrors {
	var errs ValidationErrors

	if s.CooldownSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "sync.cooldown_sec",
			Message: "cooldown cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"remote.base_url", // local-only use is fine
		"remote.user_id",
	}
	for _, f := range warningFields {
		if e.Field == f && !strings.HasPrefix(e.Message, "invalid") {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
