// Package app wires the screentrail components over one data directory.
//
// An App owns the data-directory lock, the local store, the file store,
// the search index, the metadata refresher and the activity journal, and
// exposes the user-level operations the CLI runs. Every mutation schedules
// a metadata refresh of the affected session; Close drains pending
// refreshes before releasing the store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"screentrail/internal/capture"
	"screentrail/internal/config"
	"screentrail/internal/filestore"
	"screentrail/internal/health"
	"screentrail/internal/logging"
	"screentrail/internal/migrate"
	"screentrail/internal/remote"
	"screentrail/internal/search"
	"screentrail/internal/security"
	"screentrail/internal/store"
	"screentrail/internal/submit"
	"screentrail/internal/syncer"
	"screentrail/internal/timer"
)

// Errors returned by App operations.
var (
	ErrNotFound       = errors.New("not found")
	ErrNoRemote       = errors.New("remote backend is not configured")
	ErrNoUser         = errors.New("remote user id is not configured")
	ErrSearchDisabled = errors.New("search index is disabled")
)

// Options override parts of the wiring.
type Options struct {
	// Backend replaces the HTTP client built from the remote config.
	Backend remote.Backend
	Logger  *slog.Logger
	Clock   timer.Clock
	// Sleep replaces the submission retry sleeper.
	Sleep submit.Sleeper
}

// App is an opened data directory.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  timer.Clock

	lock      *security.DirLock
	store     *store.Store
	files     *filestore.Store
	index     *search.Index
	refresher *filestore.Refresher
	journal   *logging.Journal

	backend  remote.Backend
	pipeline *submit.Pipeline
	gate     *syncer.Gate
	migrator *migrate.Engine

	closeOnce sync.Once
	closeErr  error
}

// Open locks the data directory and opens every component. It fails with
// security.ErrLocked when another process holds the directory.
func Open(cfg *config.Config, opts Options) (a *App, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a = &App{cfg: cfg, logger: opts.Logger, clock: opts.Clock}

	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err := cfg.EnsureDirectories(); err != nil {
		return a, err
	}

	a.lock, err = security.LockDir(cfg.DataPath())
	if err != nil {
		return a, fmt.Errorf("lock data directory: %w", err)
	}

	storeOpts := []store.Option{store.WithBusyTimeout(cfg.Storage.BusyTimeoutMs)}
	if opts.Clock != nil {
		storeOpts = append(storeOpts, store.WithClock(opts.Clock))
	}
	a.store, err = store.Open(cfg.DatabasePath(), storeOpts...)
	if err != nil {
		return a, err
	}

	a.files, err = filestore.New(cfg.SessionsDir(), a.logger.With("component", "filestore"))
	if err != nil {
		return a, err
	}

	var indexer filestore.Indexer
	if cfg.Search.Enabled {
		a.index, err = search.Open(cfg.IndexPath(), a.logger.With("component", "search"))
		if err != nil {
			return a, err
		}
		indexer = a.index
	}

	a.refresher = filestore.NewRefresher(a.files, a.store, filestore.RefresherOptions{
		Delay:   cfg.MetadataDebounce(),
		Indexer: indexer,
		Logger:  a.logger.With("component", "refresher"),
	})

	a.journal, err = logging.OpenJournal(filepath.Join(cfg.DataPath(), "logs", "activity.log"))
	if err != nil {
		return a, err
	}

	a.migrator = migrate.New(a.store, a.files, a.refresher, a.logger.With("component", "migrate"))

	a.backend = opts.Backend
	if a.backend == nil && cfg.Remote.BaseURL != "" {
		a.backend, err = remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, remote.WithTimeout(cfg.RemoteTimeout()))
		if err != nil {
			return a, err
		}
	}
	if a.backend != nil {
		a.pipeline = submit.New(a.store, a.files, a.backend, submit.Config{
			Bucket: cfg.Remote.Bucket,
			Retry: submit.RetryPolicy{
				Attempts:  cfg.Remote.UploadAttempts,
				BaseDelay: cfg.RemoteBackoff(),
			},
			Sleep:  opts.Sleep,
			Logger: a.logger.With("component", "submit"),
		})
		engine := syncer.New(a.store, a.files, a.backend, a.refresher, a.logger.With("component", "sync"))
		a.gate = syncer.NewGate(engine, cfg.SyncCooldown())
	}

	a.logger.Debug("data directory opened", "path", cfg.DataPath(), "remote", a.backend != nil, "search", a.index != nil)
	return a, nil
}

// Config returns the configuration the app was opened with.
func (a *App) Config() *config.Config { return a.cfg }

// Store returns the local store.
func (a *App) Store() *store.Store { return a.store }

// Files returns the file store.
func (a *App) Files() *filestore.Store { return a.files }

// Journal returns the activity journal.
func (a *App) Journal() *logging.Journal { return a.journal }

// Flush runs every pending metadata regeneration now.
func (a *App) Flush() int {
	if a.refresher == nil {
		return 0
	}
	return a.refresher.Flush()
}

// Close drains pending metadata regenerations, then closes every component
// and releases the data-directory lock. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.refresher != nil {
			a.refresher.Close()
		}
		if a.index != nil {
			errs = append(errs, a.index.Close())
		}
		if a.journal != nil {
			errs = append(errs, a.journal.Close())
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		if a.lock != nil {
			errs = append(errs, a.lock.Unlock())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) record(ctx context.Context, act logging.Activity) {
	if err := a.journal.Record(ctx, act); err != nil {
		a.logger.Warn("activity journal write failed", "type", act.Type, "error", err)
	}
}

// ListSessions returns sessions that have at least one recording, newest
// first.
func (a *App) ListSessions() ([]store.Session, error) {
	return a.store.ListSessions()
}

// Session loads a session with its recordings and comments.
func (a *App) Session(id int64) (*store.SessionBundle, error) {
	b, err := a.store.Bundle(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return b, nil
}

// DeleteSession removes a session row with its children, its folder and
// its index entries.
func (a *App) DeleteSession(ctx context.Context, id int64) error {
	if err := a.store.DeleteSession(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session %d: %w", id, ErrNotFound)
		}
		return err
	}
	if err := a.files.DeleteSessionFolder(id); err != nil {
		a.logger.Warn("delete session folder failed", "session_id", id, "error", err)
	}
	// Unindexes the session and cancels any pending regeneration.
	if err := a.refresher.RefreshNow(id); err != nil {
		a.logger.Warn("unindex session failed", "session_id", id, "error", err)
	}

	a.record(ctx, logging.Activity{Type: logging.ActivityDeleted, SessionID: &id})
	a.logger.Info("session deleted", "session_id", id)
	return nil
}

// SetLabel sets the label of a recording.
func (a *App) SetLabel(recordingID int64, label string) error {
	if err := security.ValidateText(label, security.MaxLabelLength); err != nil {
		return fmt.Errorf("invalid label: %w", err)
	}
	rec, err := a.store.GetRecording(recordingID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("recording %d: %w", recordingID, ErrNotFound)
	}
	if err := a.store.UpdateLabel(recordingID, label); err != nil {
		return err
	}
	a.refresher.Schedule(rec.SessionID)
	return nil
}

// AddComment annotates the range [start, end] seconds of a session.
func (a *App) AddComment(sessionID int64, start, end float64, text string) (int64, error) {
	if err := security.ValidateText(text, security.MaxCommentLength); err != nil {
		return 0, fmt.Errorf("invalid comment: %w", err)
	}
	sess, err := a.store.GetSession(sessionID)
	if err != nil {
		return 0, err
	}
	if sess == nil {
		return 0, fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
	}
	id, err := a.store.CreateComment(&store.Comment{
		SessionID: sessionID,
		StartTime: start,
		EndTime:   end,
		Text:      text,
	})
	if err != nil {
		return 0, err
	}
	a.refresher.Schedule(sessionID)
	return id, nil
}

// EditComment replaces a comment's range and text.
func (a *App) EditComment(id int64, start, end float64, text string) error {
	if err := security.ValidateText(text, security.MaxCommentLength); err != nil {
		return fmt.Errorf("invalid comment: %w", err)
	}
	c, err := a.comment(id)
	if err != nil {
		return err
	}
	if err := a.store.UpdateComment(id, start, end, text); err != nil {
		return err
	}
	a.refresher.Schedule(c.SessionID)
	return nil
}

// DeleteComment removes a comment.
func (a *App) DeleteComment(id int64) error {
	c, err := a.comment(id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteComment(id); err != nil {
		return err
	}
	a.refresher.Schedule(c.SessionID)
	return nil
}

func (a *App) comment(id int64) (*store.Comment, error) {
	c, err := a.store.GetComment(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("comment %d: %w", id, ErrNotFound)
	}
	return c, nil
}

// Search queries the full-text index.
func (a *App) Search(query string, limit int) ([]search.Hit, error) {
	if a.index == nil {
		return nil, ErrSearchDisabled
	}
	return a.index.Search(query, limit)
}

// Reindex regenerates metadata and index entries for every session.
func (a *App) Reindex() (int, error) {
	sessions, err := a.store.ListAllSessions()
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := a.refresher.RefreshNow(s.ID); err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}

// NewRecorder returns a recorder writing into this data directory.
func (a *App) NewRecorder(provider capture.Provider) *capture.Recorder {
	return capture.NewRecorder(a.store, a.files, provider, a.refresher, capture.RecorderOptions{
		Interval: a.cfg.CaptureInterval(),
		SourceID: a.cfg.Capture.SourceID,
		Clock:    a.clock,
		Logger:   a.logger.With("component", "recorder"),
	})
}

// Record starts a session on rec and records until ctx is done, then stops
// it and returns the persisted timer snapshot.
func (a *App) Record(ctx context.Context, rec *capture.Recorder, kind store.SessionKind, taskID *string) (timer.Snapshot, error) {
	id, err := rec.Start(context.WithoutCancel(ctx), kind, taskID)
	if err != nil {
		return timer.Snapshot{}, err
	}
	a.record(ctx, logging.Activity{
		Type:      logging.ActivityRecordingStarted,
		SessionID: &id,
		Details:   map[string]any{"kind": kind},
	})

	<-ctx.Done()

	snap, err := rec.Stop()
	stopped := logging.Activity{
		Type:      logging.ActivityRecordingStopped,
		SessionID: &id,
		Details:   map[string]any{"seconds": snap.Seconds, "captured": rec.Stats().Captured},
	}
	if err != nil {
		stopped.Error = err.Error()
	}
	a.record(context.WithoutCancel(ctx), stopped)
	return snap, err
}

// Submit uploads a session to the remote backend. On success the session is
// marked submitted locally and remembers its remote id.
func (a *App) Submit(ctx context.Context, sessionID int64, onProgress func(submit.Progress)) (*submit.Result, error) {
	if a.pipeline == nil {
		return nil, ErrNoRemote
	}
	if a.cfg.Remote.UserID == "" {
		return nil, ErrNoUser
	}

	ctx = logging.ContextWithRequestID(ctx, logging.NewRequestID())
	res, err := a.pipeline.Submit(ctx, sessionID, submit.Options{UserID: a.cfg.Remote.UserID, OnProgress: onProgress})
	if err != nil {
		a.record(ctx, logging.Activity{Type: logging.ActivitySubmitFailed, SessionID: &sessionID, Error: err.Error()})
		return nil, err
	}

	act := logging.Activity{
		Type:      logging.ActivitySubmitted,
		SessionID: &sessionID,
		Details:   map[string]any{"uploaded": res.Uploaded, "duration": res.Duration, "points": res.Points, "submit_request_id": res.RequestID},
	}
	if !res.Success {
		act.Type = logging.ActivitySubmitFailed
		act.Error = res.Message
		a.record(ctx, act)
		return res, nil
	}

	remoteID := res.RemoteSessionID
	act.RemoteID = &remoteID
	if err := a.store.SubmitForApproval(sessionID); err != nil {
		return res, fmt.Errorf("mark session submitted: %w", err)
	}
	if err := a.store.SetRemoteID(sessionID, remoteID); err != nil {
		return res, fmt.Errorf("record remote id: %w", err)
	}
	a.refresher.Schedule(sessionID)
	a.record(ctx, act)
	return res, nil
}

// Sync pulls remote sessions that are not present locally. Without force a
// sync within the cooldown of the last successful one is skipped.
func (a *App) Sync(ctx context.Context, force bool) (*syncer.Result, syncer.Outcome, error) {
	if a.gate == nil {
		return nil, syncer.OutcomeRan, ErrNoRemote
	}
	userID := a.cfg.Remote.UserID
	if userID == "" {
		return nil, syncer.OutcomeRan, ErrNoUser
	}

	run := a.gate.Sync
	if force {
		run = a.gate.Force
	}
	res, outcome, err := run(ctx, userID)
	if err != nil {
		return nil, outcome, err
	}
	if outcome == syncer.OutcomeRan && res != nil {
		act := logging.Activity{
			Type:    logging.ActivitySynced,
			Details: map[string]any{"synced": res.Synced, "skipped": res.Skipped, "failed": res.Failed},
		}
		if !res.Success {
			act.Error = res.Message
		}
		a.record(ctx, act)
	}
	return res, outcome, nil
}

// LastSync reports when the configured user last synced successfully in
// this process.
func (a *App) LastSync() (time.Time, bool) {
	if a.gate == nil {
		return time.Time{}, false
	}
	return a.gate.LastSuccess(a.cfg.Remote.UserID)
}

// MigrateToFiles moves inline screenshots into the file store.
func (a *App) MigrateToFiles(ctx context.Context) (*migrate.Result, error) {
	res, err := a.migrator.MigrateToFiles(ctx)
	if err != nil {
		return nil, err
	}
	act := logging.Activity{
		Type:    logging.ActivityMigrated,
		Details: map[string]any{"migrated": res.Migrated, "failed": res.Failed},
	}
	if !res.Success {
		act.Error = res.Message
	}
	a.record(ctx, act)
	return res, nil
}

// VerifyFiles checks that every recording resolves to a readable file.
func (a *App) VerifyFiles(ctx context.Context) (*migrate.VerificationReport, error) {
	report, _, err := a.migrator.Verify(ctx)
	return report, err
}

// CleanupLegacy verifies and, only if verification passes, blanks inline
// screenshot payloads. The report is returned in both cases.
func (a *App) CleanupLegacy(ctx context.Context) (*migrate.VerificationReport, int, error) {
	report, token, err := a.migrator.Verify(ctx)
	if err != nil {
		return nil, 0, err
	}
	n, err := a.migrator.CleanupLegacy(ctx, token)
	if err != nil {
		return report, n, err
	}
	a.record(ctx, logging.Activity{Type: logging.ActivityCleanedUp, Details: map[string]any{"cleaned": n}})
	return report, n, nil
}

// Activity returns recent journal entries, newest first.
func (a *App) Activity(limit int) ([]logging.Activity, error) {
	return a.journal.Recent(limit)
}

// HealthChecker returns a checker over the database, the data directory
// and the remote backend.
func (a *App) HealthChecker() *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("database", true, health.DatabaseCheck(a.store.Ping, a.store.SchemaVersion))
	c.RegisterFunc("data_dir", true, health.WritableDirCheck(a.cfg.DataPath()))
	c.RegisterFunc("sessions_dir", true, health.WritableDirCheck(a.files.Root()))
	c.RegisterFunc("remote", false, health.RemoteCheck(a.probeRemote))
	if a.index != nil {
		c.RegisterFunc("search", false, health.CustomCheck(func() error {
			_, err := a.index.Count()
			return err
		}))
	}
	return c
}

func (a *App) probeRemote(ctx context.Context) error {
	if a.backend == nil {
		return health.ErrNotConfigured
	}
	if a.cfg.Remote.UserID == "" {
		return fmt.Errorf("%w: no user id", health.ErrNotConfigured)
	}
	_, err := a.backend.ListSessions(ctx, a.cfg.Remote.UserID)
	return err
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.LogPath()
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB) << 20
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	return logging.New(lc)
}
