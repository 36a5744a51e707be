// Package syncer pulls a user's remote sessions into the local store and
// file store.
//
// A remote session is pulled at most once: if a local session already has
// its id, or was itself submitted as that remote session, it is skipped
// entirely.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"screentrail/internal/filestore"
	"screentrail/internal/remote"
	"screentrail/internal/store"
)

// Store is the subset of the local store the engine writes.
type Store interface {
	SessionExists(id int64) (bool, error)
	SessionExistsForRemote(remoteID int64) (bool, error)
	UpsertSession(sess *store.Session) error
	CreateRecording(r *store.Recording) (int64, error)
	SetFilePath(id int64, path string) error
	CreateComment(c *store.Comment) (int64, error)
	DeleteSession(id int64) error
}

// Refresher regenerates a session's metadata snapshots.
type Refresher interface {
	RefreshNow(sessionID int64) error
}

// SessionError records why one remote session could not be pulled.
type SessionError struct {
	RemoteSessionID int64  `json:"remote_session_id"`
	Reason          string `json:"reason"`
}

// Result summarizes a SyncAllSessionsToLocal run.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Synced  int            `json:"synced"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
	Errors  []SessionError `json:"errors,omitempty"`
}

// Engine copies remote sessions into local storage.
type Engine struct {
	store     Store
	files     *filestore.Store
	backend   remote.Backend
	refresher Refresher
	logger    *slog.Logger
}

// New creates a sync engine. refresher may be nil.
func New(st Store, files *filestore.Store, backend remote.Backend, refresher Refresher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, files: files, backend: backend, refresher: refresher, logger: logger}
}

// SyncAllSessionsToLocal pulls every remote session of userID that is not
// present locally, newest first. A failing session is recorded and the
// batch continues.
func (e *Engine) SyncAllSessionsToLocal(ctx context.Context, userID string) (*Result, error) {
	if userID == "" {
		return nil, errors.New("sync: no user id")
	}

	sessions, err := e.backend.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list remote sessions: %w", err)
	}

	result := &Result{}
	for _, rs := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		present, err := e.present(rs.ID)
		if err != nil {
			return nil, err
		}
		if present {
			result.Skipped++
			continue
		}

		if err := e.SyncSessionToLocal(ctx, userID, rs); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, SessionError{RemoteSessionID: rs.ID, Reason: err.Error()})
			e.logger.Warn("session sync failed", "remote_session_id", rs.ID, "error", err)
			continue
		}
		result.Synced++
	}

	result.Success = result.Failed == 0
	result.Message = fmt.Sprintf("synced %d sessions, skipped %d, failed %d", result.Synced, result.Skipped, result.Failed)
	e.logger.Info("sync finished", "user_id", userID, "synced", result.Synced, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (e *Engine) present(remoteID int64) (bool, error) {
	exists, err := e.store.SessionExists(remoteID)
	if err != nil {
		return false, fmt.Errorf("check local session: %w", err)
	}
	if exists {
		return true, nil
	}
	exists, err = e.store.SessionExistsForRemote(remoteID)
	if err != nil {
		return false, fmt.Errorf("check local session: %w", err)
	}
	return exists, nil
}

// SyncSessionToLocal writes one remote session with its recordings and
// comments. Screenshots are downloaded into the file store and every local
// recording references its file. On failure the partially written session
// is removed so a later sync can retry it.
func (e *Engine) SyncSessionToLocal(ctx context.Context, userID string, rs remote.Session) error {
	sess, err := localSession(rs)
	if err != nil {
		return err
	}
	if err := e.store.UpsertSession(sess); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	if err := e.copyChildren(ctx, userID, rs); err != nil {
		e.discard(rs.ID)
		return err
	}

	if e.refresher != nil {
		if err := e.refresher.RefreshNow(rs.ID); err != nil {
			e.logger.Warn("metadata refresh after sync failed", "session_id", rs.ID, "error", err)
		}
	}
	return nil
}

func localSession(rs remote.Session) (*store.Session, error) {
	sess := &store.Session{
		ID:            rs.ID,
		CreatedAt:     rs.CreatedAt,
		Duration:      rs.Duration,
		ApprovalState: store.ApprovalState(rs.ApprovalState),
		Kind:          store.SessionKind(rs.SessionStatus),
		TaskID:        rs.TaskID,
		RewardID:      rs.RewardID,
	}
	if sess.Kind == "" {
		sess.Kind = store.KindPassive
	}
	if sess.ApprovalState == "" {
		sess.ApprovalState = store.ApprovalSubmitted
	}
	if rs.ID <= 0 {
		return nil, fmt.Errorf("remote session has invalid id %d", rs.ID)
	}
	return sess, nil
}

func (e *Engine) copyChildren(ctx context.Context, userID string, rs remote.Session) error {
	recs, err := e.backend.ListRecordings(ctx, userID, rs.ID)
	if err != nil {
		return fmt.Errorf("list remote recordings: %w", err)
	}

	for _, rr := range recs {
		data, err := e.backend.GetObject(ctx, rr.ImageRef)
		if err != nil {
			return fmt.Errorf("download recording %d: %w", rr.ID, err)
		}

		rec := &store.Recording{
			SessionID:  rs.ID,
			Timestamp:  rr.Timestamp,
			WindowName: rr.WindowName,
			WindowID:   rr.WindowID,
			Type:       store.SessionKind(rr.Type),
			Label:      rr.Label,
		}
		id, err := e.store.CreateRecording(rec)
		if err != nil {
			return fmt.Errorf("write recording %d: %w", rr.ID, err)
		}
		path, err := e.files.SaveScreenshot(rs.ID, id, data)
		if err != nil {
			return fmt.Errorf("save recording %d: %w", rr.ID, err)
		}
		if err := e.store.SetFilePath(id, path); err != nil {
			return fmt.Errorf("write recording %d: %w", rr.ID, err)
		}
	}

	comments, err := e.backend.ListComments(ctx, userID, rs.ID)
	if err != nil {
		return fmt.Errorf("list remote comments: %w", err)
	}
	for _, rc := range comments {
		c := &store.Comment{
			SessionID: rs.ID,
			StartTime: rc.StartTime,
			EndTime:   rc.EndTime,
			Text:      rc.Comment,
			CreatedAt: rc.CreatedAt,
		}
		if _, err := e.store.CreateComment(c); err != nil {
			return fmt.Errorf("write comment %d: %w", rc.ID, err)
		}
	}
	return nil
}

func (e *Engine) discard(sessionID int64) {
	if err := e.store.DeleteSession(sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("discard partial session failed", "session_id", sessionID, "error", err)
	}
	if err := e.files.DeleteSessionFolder(sessionID); err != nil {
		e.logger.Warn("discard partial session folder failed", "session_id", sessionID, "error", err)
	}
}
