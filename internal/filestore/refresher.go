package filestore

import (
	"fmt"
	"log/slog"
	"time"

	"screentrail/internal/scheduler"
	"screentrail/internal/store"
)

// DefaultRefreshDelay is how long a burst of mutations to one session is
// collected before its metadata is regenerated.
const DefaultRefreshDelay = 1500 * time.Millisecond

// BundleLoader loads a session with its children.
type BundleLoader interface {
	Bundle(sessionID int64) (*store.SessionBundle, error)
}

// Indexer receives every regenerated session.
type Indexer interface {
	IndexSession(b *store.SessionBundle) error
	DeleteSession(sessionID int64) error
}

// Refresher regenerates metadata.txt and session_info.json after session
// mutations, debounced per session id.
type Refresher struct {
	files    *Store
	loader   BundleLoader
	index    Indexer
	delay    time.Duration
	debounce *scheduler.Debouncer[int64]
	logger   *slog.Logger
}

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	Delay   time.Duration
	Indexer Indexer
	Logger  *slog.Logger
}

// NewRefresher creates a Refresher over the given file store and loader.
func NewRefresher(files *Store, loader BundleLoader, opts RefresherOptions) *Refresher {
	if opts.Delay <= 0 {
		opts.Delay = DefaultRefreshDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Refresher{
		files:    files,
		loader:   loader,
		index:    opts.Indexer,
		delay:    opts.Delay,
		debounce: scheduler.New[int64](),
		logger:   opts.Logger,
	}
}

// Schedule queues a regeneration for sessionID. Repeated calls within the
// delay collapse into one regeneration.
func (r *Refresher) Schedule(sessionID int64) {
	ok := r.debounce.Schedule(sessionID, r.delay, func() {
		if err := r.refresh(sessionID); err != nil {
			r.logger.Warn("metadata refresh failed", "session_id", sessionID, "error", err)
		}
	})
	if !ok {
		r.logger.Debug("metadata refresh after close ignored", "session_id", sessionID)
	}
}

// RefreshNow regenerates a session's metadata synchronously and cancels any
// pending debounced regeneration for it. A session that no longer exists is
// removed from the index and otherwise ignored.
func (r *Refresher) RefreshNow(sessionID int64) error {
	r.debounce.Cancel(sessionID)
	return r.refresh(sessionID)
}

func (r *Refresher) refresh(sessionID int64) error {
	b, err := r.loader.Bundle(sessionID)
	if err != nil {
		return fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if b == nil {
		if r.index != nil {
			if err := r.index.DeleteSession(sessionID); err != nil {
				return fmt.Errorf("unindex session %d: %w", sessionID, err)
			}
		}
		return nil
	}

	if _, err := r.files.GenerateMetadataFile(b); err != nil {
		return err
	}
	if _, err := r.files.SaveSessionInfo(b); err != nil {
		return err
	}

	if r.index != nil {
		if err := r.index.IndexSession(b); err != nil {
			return fmt.Errorf("index session %d: %w", sessionID, err)
		}
	}

	r.logger.Debug("metadata regenerated", "session_id", sessionID, "recordings", len(b.Recordings))
	return nil
}

// Pending returns the number of sessions waiting for regeneration.
func (r *Refresher) Pending() int {
	return r.debounce.Pending()
}

// Flush runs every pending regeneration synchronously.
func (r *Refresher) Flush() int {
	n := r.debounce.DrainAll()
	if n > 0 {
		r.logger.Info("flushed pending metadata", "sessions", n)
	}
	return n
}

// Close flushes pending regenerations and stops accepting new ones.
func (r *Refresher) Close() int {
	return r.debounce.Close()
}
