package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"screentrail/internal/filestore"
	"screentrail/internal/store"
	"screentrail/internal/timer"
)

// DefaultInterval is the capture polling interval.
const DefaultInterval = 5 * time.Second

// ErrActive is returned by Start while a session is being recorded.
var ErrActive = errors.New("capture: a session is already active")

// Store is the subset of the local store the recorder writes.
type Store interface {
	CreateSession(kind store.SessionKind, taskID *string) (int64, error)
	CreateRecording(r *store.Recording) (int64, error)
	SetFilePath(id int64, path string) error
	DeleteRecording(id int64) error
	UpdateDuration(id int64, seconds int64) error
}

// Refresher regenerates session metadata.
type Refresher interface {
	Schedule(sessionID int64)
	RefreshNow(sessionID int64) error
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Interval time.Duration
	SourceID string
	Clock    timer.Clock
	Logger   *slog.Logger
}

// Stats counts capture activity for the current process.
type Stats struct {
	Captured int64
	Skipped  int64
	Failed   int64
}

// Recorder records one session at a time.
type Recorder struct {
	store    Store
	files    *filestore.Store
	provider Provider
	refresh  Refresher
	timer    *timer.Timer
	interval time.Duration
	sourceID string
	logger   *slog.Logger

	// mu guards the begin and end transitions.
	mu        sync.Mutex
	active    bool
	sessionID int64
	kind      store.SessionKind
	cancel    context.CancelFunc
	loop      sync.WaitGroup
	inflight  sync.WaitGroup

	busy     atomic.Bool
	captured atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// NewRecorder creates an idle recorder.
func NewRecorder(st Store, files *filestore.Store, provider Provider, refresh Refresher, opts RecorderOptions) *Recorder {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		store:    st,
		files:    files,
		provider: provider,
		refresh:  refresh,
		timer:    timer.New(opts.Clock),
		interval: opts.Interval,
		sourceID: opts.SourceID,
		logger:   opts.Logger,
	}
}

// Timer exposes the session timer for read-only status queries.
func (r *Recorder) Timer() *timer.Timer {
	return r.timer
}

// Stats returns capture counters.
func (r *Recorder) Stats() Stats {
	return Stats{Captured: r.captured.Load(), Skipped: r.skipped.Load(), Failed: r.failed.Load()}
}

// Active returns the id of the session being recorded.
func (r *Recorder) Active() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID, r.active
}

// Start creates a session, begins its timer and starts polling the
// provider. It fails with ErrActive if a session is already recording.
func (r *Recorder) Start(ctx context.Context, kind store.SessionKind, taskID *string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return 0, ErrActive
	}

	id, err := r.store.CreateSession(kind, taskID)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.active = true
	r.sessionID = id
	r.kind = kind
	r.cancel = cancel
	r.timer.Begin(id)

	r.loop.Add(1)
	go r.run(loopCtx, id, kind)

	r.logger.Info("recording started", "session_id", id, "kind", kind, "interval", r.interval)
	return id, nil
}

// Pause suspends capture and time accounting.
func (r *Recorder) Pause() {
	r.timer.Pause()
}

// Resume continues a paused session.
func (r *Recorder) Resume() {
	r.timer.Resume()
}

// Stop ends the active session, persists its timer snapshot as the session
// duration and regenerates its metadata. On an idle recorder it returns
// the empty snapshot.
func (r *Recorder) Stop() (timer.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return r.timer.Stop(), nil
	}

	r.cancel()
	r.loop.Wait()
	r.inflight.Wait()

	id := r.sessionID
	snap := r.timer.Stop()
	r.active = false
	r.sessionID = 0
	r.cancel = nil

	if err := r.store.UpdateDuration(id, snap.Seconds); err != nil {
		return snap, fmt.Errorf("persist duration: %w", err)
	}
	if r.refresh != nil {
		if err := r.refresh.RefreshNow(id); err != nil {
			r.logger.Warn("metadata refresh on stop failed", "session_id", id, "error", err)
		}
	}

	r.logger.Info("recording stopped", "session_id", id, "seconds", snap.Seconds)
	return snap, nil
}

func (r *Recorder) run(ctx context.Context, sessionID int64, kind store.SessionKind) {
	defer r.loop.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.timer.State() != timer.StateRunning {
				continue
			}
			r.tick(ctx, sessionID, kind)
		}
	}
}

// tick starts one capture unless the previous one is still running. It
// reports whether a capture was started.
func (r *Recorder) tick(ctx context.Context, sessionID int64, kind store.SessionKind) bool {
	if !r.busy.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		r.logger.Debug("capture tick skipped, previous capture still running", "session_id", sessionID)
		return false
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.busy.Store(false)
		if err := r.captureOnce(ctx, sessionID, kind); err != nil {
			r.failed.Add(1)
			r.logger.Warn("capture failed", "session_id", sessionID, "error", err)
		}
	}()
	return true
}

func (r *Recorder) captureOnce(ctx context.Context, sessionID int64, kind store.SessionKind) error {
	frame, err := r.provider.Capture(ctx, r.sourceID, kind)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("capture source: %w", err)
	}
	if frame == nil {
		return nil
	}
	_, err = r.saveFrame(sessionID, kind, frame)
	return err
}

// saveFrame persists a frame as a recording of sessionID: row, then
// screenshot file, then file reference, then a debounced metadata refresh.
func (r *Recorder) saveFrame(sessionID int64, kind store.SessionKind, frame *Frame) (int64, error) {
	ts := frame.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(store.TimeLayout)
	}

	rec := &store.Recording{
		SessionID:  sessionID,
		Timestamp:  ts,
		WindowName: frame.WindowName,
		WindowID:   frame.WindowID,
		Type:       kind,
	}
	id, err := r.store.CreateRecording(rec)
	if err != nil {
		return 0, fmt.Errorf("create recording: %w", err)
	}

	path, err := r.files.SaveScreenshot(sessionID, id, frame.Image)
	if err == nil {
		err = r.store.SetFilePath(id, path)
	}
	if err != nil {
		if derr := r.store.DeleteRecording(id); derr != nil {
			r.logger.Warn("remove recording without screenshot failed", "recording_id", id, "error", derr)
		}
		return 0, fmt.Errorf("store screenshot: %w", err)
	}

	r.captured.Add(1)
	if r.refresh != nil {
		r.refresh.Schedule(sessionID)
	}
	return id, nil
}
