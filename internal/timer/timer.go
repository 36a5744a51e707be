// Package timer keeps wall-clock accounting for the one recording session
// that is currently active.
//
// The timer has no persistence of its own. Callers take the Snapshot
// returned by Stop and persist it through the local store.
package timer

import (
	"sync"
	"time"
)

// State is the timer state.
type State int

const (
	// StateIdle means no session is being timed.
	StateIdle State = iota
	// StateRunning means the active session is accumulating time.
	StateRunning
	// StatePaused means the active session is paused.
	StatePaused
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Clock returns the current instant.
type Clock func() time.Time

// Snapshot is the result of stopping the timer.
type Snapshot struct {
	// SessionID is nil when the timer was idle.
	SessionID *int64
	Seconds   int64
}

// Timer tracks elapsed time for a single session with pause/resume.
// Mis-sequenced calls are ignored rather than reported.
type Timer struct {
	mu sync.Mutex

	now Clock

	state     State
	sessionID int64
	startedAt time.Time
	pausedAt  time.Time
	paused    time.Duration
}

// New creates an idle timer. A nil clock uses time.Now.
func New(clock Clock) *Timer {
	if clock == nil {
		clock = time.Now
	}
	return &Timer{now: clock}
}

// Begin starts timing sessionID. Any previous timer state is discarded
// without being flushed.
func (t *Timer) Begin(sessionID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = StateRunning
	t.sessionID = sessionID
	t.startedAt = t.now()
	t.pausedAt = time.Time{}
	t.paused = 0
}

// Pause moves a running timer to paused.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning {
		return
	}
	t.state = StatePaused
	t.pausedAt = t.now()
}

// Resume moves a paused timer back to running.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePaused {
		return
	}
	t.paused += t.now().Sub(t.pausedAt)
	t.pausedAt = time.Time{}
	t.state = StateRunning
}

// ElapsedSeconds returns whole seconds of unpaused time for the active
// session, or 0 when idle.
func (t *Timer) ElapsedSeconds() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *Timer) elapsedLocked() int64 {
	if t.state == StateIdle {
		return 0
	}

	now := t.now()
	paused := t.paused
	if t.state == StatePaused {
		// The open pause interval counts as paused time.
		paused += now.Sub(t.pausedAt)
	}

	elapsed := int64(now.Sub(t.startedAt)/time.Second) - int64(paused/time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Stop returns the final snapshot and resets the timer to idle.
// Stopping an idle timer returns a nil session id and zero seconds.
func (t *Timer) Stop() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateIdle {
		return Snapshot{}
	}

	id := t.sessionID
	snap := Snapshot{SessionID: &id, Seconds: t.elapsedLocked()}

	t.state = StateIdle
	t.sessionID = 0
	t.startedAt = time.Time{}
	t.pausedAt = time.Time{}
	t.paused = 0

	return snap
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SessionID returns the active session id, if any.
func (t *Timer) SessionID() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateIdle {
		return 0, false
	}
	return t.sessionID, true
}
