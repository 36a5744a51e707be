package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// ErrPanicked is returned by Guard when the guarded function panicked.
var ErrPanicked = errors.New("panic recovered")

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version,omitempty"`
	GoVersion    string         `json:"go_version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Command      string         `json:"command,omitempty"`
	SessionID    *int64         `json:"session_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// CrashDir receives one JSON file per report.
	CrashDir string

	Version   string
	Component string

	// ActiveSession reports the session being recorded, if any.
	ActiveSession func() (int64, bool)

	// OnCrash runs after the report is written, before Guard returns.
	OnCrash func(CrashReport)
}

// CrashHandler recovers panics, writes crash reports, and runs the
// OnCrash hook so pending work can be flushed before the process exits.
type CrashHandler struct {
	mu  sync.Mutex
	cfg CrashHandlerConfig
	cmd string
}

// NewCrashHandler creates a CrashHandler. The crash directory is created
// lazily on the first report.
func NewCrashHandler(cfg CrashHandlerConfig) *CrashHandler {
	return &CrashHandler{cfg: cfg}
}

// SetCommand records the command being run for later reports.
func (h *CrashHandler) SetCommand(cmd string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmd = cmd
}

// Guard runs fn, converting a panic into a crash report and an error
// wrapping ErrPanicked. Errors returned by fn pass through unchanged.
func (h *CrashHandler) Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			report := h.HandlePanic(r, nil)
			err = fmt.Errorf("%w: %s", ErrPanicked, report.PanicValue)
		}
	}()
	return fn()
}

// RecoverGoroutine reports a panic in a background goroutine without
// re-raising it. Usage: defer handler.RecoverGoroutine("refresher")
func (h *CrashHandler) RecoverGoroutine(name string) {
	if r := recover(); r != nil {
		h.HandlePanic(r, map[string]any{"goroutine": name})
	}
}

// HandlePanic writes a report for panicValue and runs the OnCrash hook.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) CrashReport {
	h.mu.Lock()
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.cfg.Version,
		GoVersion:    runtime.Version(),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.cfg.Component,
		Command:      h.cmd,
		Context:      contextInfo,
	}
	h.mu.Unlock()

	if h.cfg.ActiveSession != nil {
		if id, ok := h.cfg.ActiveSession(); ok {
			report.SessionID = &id
		}
	}

	path, werr := h.writeCrashDump(report)

	if h.cfg.OnCrash != nil {
		func() {
			defer func() { recover() }()
			h.cfg.OnCrash(report)
		}()
	}

	fmt.Fprintf(os.Stderr, "\n=== CRASH REPORT ===\n")
	fmt.Fprintf(os.Stderr, "Time: %s\n", report.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(os.Stderr, "Panic: %s\n", report.PanicValue)
	if werr != nil {
		fmt.Fprintf(os.Stderr, "Crash report not written: %v\n", werr)
	} else {
		fmt.Fprintf(os.Stderr, "Crash report written to: %s\n", path)
	}
	return report
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if h.cfg.CrashDir == "" {
		return "", errors.New("no crash directory configured")
	}
	if err := os.MkdirAll(h.cfg.CrashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}

	name := fmt.Sprintf("crash-%s.json", report.Timestamp.Format("20060102-150405.000000"))
	path := filepath.Join(h.cfg.CrashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

func (h *CrashHandler) reportFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(h.cfg.CrashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// CrashReports returns stored reports, oldest first. Unreadable files are
// skipped.
func (h *CrashHandler) CrashReports() ([]CrashReport, error) {
	files, err := h.reportFiles()
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CleanupOldCrashReports removes reports older than maxAge and returns
// how many were removed.
func (h *CrashHandler) CleanupOldCrashReports(maxAge time.Duration) (int, error) {
	files, err := h.reportFiles()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(file) == nil {
			removed++
		}
	}
	return removed, nil
}
