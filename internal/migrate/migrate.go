// Package migrate converts recordings that still carry their screenshot
// inline in the database into file-store references.
//
// The conversion runs in three phases that are invoked independently:
// MigrateToFiles copies inline payloads to files, Verify checks that every
// recording resolves to a readable file, and CleanupLegacy blanks the inline
// columns. CleanupLegacy only accepts the token of a clean verification.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"screentrail/internal/filestore"
	"screentrail/internal/store"
)

// ErrUnverified is returned by CleanupLegacy without a passing verification.
var ErrUnverified = errors.New("migrate: cleanup requires a passing verification")

// Store is the subset of the local store the engine uses.
type Store interface {
	ListRecordingsWithoutFile() ([]store.Recording, error)
	ListAllRecordings() ([]store.Recording, error)
	SetFilePath(id int64, path string) error
	ClearInlineImage(id int64) error
}

// Refresher regenerates a session's metadata snapshots.
type Refresher interface {
	RefreshNow(sessionID int64) error
}

// ItemError records why a single recording could not be processed.
type ItemError struct {
	RecordingID int64  `json:"recording_id"`
	SessionID   int64  `json:"session_id"`
	Reason      string `json:"reason"`
}

// Result summarizes a MigrateToFiles run.
type Result struct {
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
	Migrated int         `json:"migrated"`
	Failed   int         `json:"failed"`
	Errors   []ItemError `json:"errors,omitempty"`
	// Sessions lists the distinct sessions whose metadata was regenerated.
	Sessions []int64 `json:"sessions,omitempty"`
}

// Invalid reasons reported by Verify.
const (
	ReasonNoFileReference = "missing file reference"
	ReasonFileMissing     = "file not found"
)

// VerificationReport summarizes a Verify run.
type VerificationReport struct {
	Total   int         `json:"total"`
	Valid   int         `json:"valid"`
	Invalid int         `json:"invalid"`
	Details []ItemError `json:"details,omitempty"`
}

// Passed reports whether every recording resolved to a readable file.
func (r *VerificationReport) Passed() bool {
	return r.Invalid == 0
}

// VerificationToken is issued by Verify. Only a token from a passing
// verification of the same engine unlocks CleanupLegacy.
type VerificationToken struct {
	engine *Engine
	serial uint64
	passed bool
}

// Engine runs the migration phases.
type Engine struct {
	store     Store
	files     *filestore.Store
	refresher Refresher
	logger    *slog.Logger

	mu     sync.Mutex
	serial uint64
}

// New creates a migration engine. refresher may be nil.
func New(st Store, files *filestore.Store, refresher Refresher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, files: files, refresher: refresher, logger: logger}
}

// MigrateToFiles writes every inline payload lacking a file reference to the
// file store. Per-recording failures are collected and do not stop the
// batch. Metadata is regenerated once per affected session afterwards.
// Re-running only touches recordings that are still unmigrated.
func (e *Engine) MigrateToFiles(ctx context.Context) (*Result, error) {
	pending, err := e.store.ListRecordingsWithoutFile()
	if err != nil {
		return nil, fmt.Errorf("list unmigrated recordings: %w", err)
	}

	result := &Result{}
	affected := make(map[int64]bool)

	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := e.migrateOne(r); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{RecordingID: r.ID, SessionID: r.SessionID, Reason: err.Error()})
			e.logger.Warn("recording migration failed", "recording_id", r.ID, "session_id", r.SessionID, "error", err)
			continue
		}

		result.Migrated++
		if !affected[r.SessionID] {
			affected[r.SessionID] = true
			result.Sessions = append(result.Sessions, r.SessionID)
		}
	}

	if e.refresher != nil {
		for _, sid := range result.Sessions {
			if err := e.refresher.RefreshNow(sid); err != nil {
				e.logger.Warn("metadata refresh after migration failed", "session_id", sid, "error", err)
			}
		}
	}

	result.Success = result.Failed == 0
	if result.Success {
		result.Message = fmt.Sprintf("migrated %d recordings", result.Migrated)
	} else {
		result.Message = fmt.Sprintf("migrated %d recordings, %d failed", result.Migrated, result.Failed)
	}

	e.logger.Info("migration finished", "migrated", result.Migrated, "failed", result.Failed, "sessions", len(result.Sessions))
	return result, nil
}

func (e *Engine) migrateOne(r store.Recording) error {
	if !r.HasInline() {
		return errors.New("no inline image data")
	}

	data, err := filestore.DecodeInline(r.ImageData)
	if err != nil {
		return err
	}

	path, err := e.files.SaveScreenshot(r.SessionID, r.ID, data)
	if err != nil {
		return err
	}

	if err := e.store.SetFilePath(r.ID, path); err != nil {
		return fmt.Errorf("record file path: %w", err)
	}
	return nil
}

// Verify checks every recording for a file reference that resolves to a
// readable file.
func (e *Engine) Verify(ctx context.Context) (*VerificationReport, VerificationToken, error) {
	recs, err := e.store.ListAllRecordings()
	if err != nil {
		return nil, VerificationToken{}, fmt.Errorf("list recordings: %w", err)
	}

	report := &VerificationReport{Total: len(recs)}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return nil, VerificationToken{}, err
		}

		switch {
		case !r.HasFile():
			report.Invalid++
			report.Details = append(report.Details, ItemError{RecordingID: r.ID, SessionID: r.SessionID, Reason: ReasonNoFileReference})
		case !e.files.Exists(r.FilePath):
			report.Invalid++
			report.Details = append(report.Details, ItemError{RecordingID: r.ID, SessionID: r.SessionID, Reason: ReasonFileMissing})
		default:
			report.Valid++
		}
	}

	e.mu.Lock()
	e.serial++
	token := VerificationToken{engine: e, serial: e.serial, passed: report.Passed()}
	e.mu.Unlock()

	e.logger.Info("verification finished", "total", report.Total, "valid", report.Valid, "invalid", report.Invalid)
	return report, token, nil
}

// CleanupLegacy blanks the inline payload of every recording whose file
// reference resolves to a readable file, and returns the number of rows
// cleaned. It is irreversible and requires the token of the most recent
// Verify, which must have passed.
func (e *Engine) CleanupLegacy(ctx context.Context, token VerificationToken) (int, error) {
	e.mu.Lock()
	current := e.serial
	e.mu.Unlock()

	if token.engine != e || !token.passed || token.serial != current {
		return 0, ErrUnverified
	}

	recs, err := e.store.ListAllRecordings()
	if err != nil {
		return 0, fmt.Errorf("list recordings: %w", err)
	}

	cleaned := 0
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		if !r.HasInline() && r.ThumbnailData == "" {
			continue
		}
		// A file may have vanished since verification.
		if !r.HasFile() || !e.files.Exists(r.FilePath) {
			e.logger.Warn("keeping inline image without readable file", "recording_id", r.ID)
			continue
		}
		if err := e.store.ClearInlineImage(r.ID); err != nil {
			return cleaned, fmt.Errorf("clear recording %d: %w", r.ID, err)
		}
		cleaned++
	}

	e.logger.Info("legacy inline images cleared", "recordings", cleaned)
	return cleaned, nil
}
