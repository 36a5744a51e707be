package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ActivityType names a user-visible lifecycle event.
type ActivityType string

// Activity types recorded in the journal.
const (
	ActivityRecordingStarted ActivityType = "recording_started"
	ActivityRecordingStopped ActivityType = "recording_stopped"
	ActivitySubmitted        ActivityType = "session_submitted"
	ActivitySubmitFailed     ActivityType = "submission_failed"
	ActivitySynced           ActivityType = "sync_completed"
	ActivityDeleted          ActivityType = "session_deleted"
	ActivityMigrated         ActivityType = "migration_completed"
	ActivityCleanedUp        ActivityType = "legacy_cleanup"
)

// Activity is one journal line.
type Activity struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      ActivityType   `json:"type"`
	SessionID *int64         `json:"session_id,omitempty"`
	RemoteID  *int64         `json:"remote_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Result    string         `json:"result"` // "success" or "failure"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Journal appends activities as JSON lines to a rotated file. A nil
// *Journal discards everything.
type Journal struct {
	mu      sync.Mutex
	path    string
	rotator *FileRotator
	now     func() time.Time
}

// OpenJournal opens the journal at path.
func OpenJournal(path string) (*Journal, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    10 << 20,
		MaxBackups: 10,
		MaxAge:     365,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("open activity journal: %w", err)
	}
	return &Journal{path: path, rotator: rotator, now: time.Now}, nil
}

// Record appends a. Missing timestamp and request id are filled in.
func (j *Journal) Record(ctx context.Context, a Activity) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if a.Timestamp.IsZero() {
		a.Timestamp = j.now().UTC()
	}
	if a.RequestID == "" {
		a.RequestID = RequestIDFromContext(ctx)
	}
	if a.Result == "" {
		a.Result = "success"
		if a.Error != "" {
			a.Result = "failure"
		}
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.rotator.Write(data); err != nil {
		return fmt.Errorf("write activity: %w", err)
	}
	return nil
}

// Recent returns up to limit activities from the current journal file,
// newest first. Malformed lines are skipped.
func (j *Journal) Recent(limit int) ([]Activity, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []Activity
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var a Activity
		if json.Unmarshal(scanner.Bytes(), &a) == nil {
			all = append(all, a)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read activity journal: %w", err)
	}

	out := make([]Activity, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.rotator.Close()
}
