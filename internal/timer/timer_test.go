package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTimer() (*Timer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(clock.Now), clock
}

func TestStopIdleTimer(t *testing.T) {
	tm, _ := newTestTimer()

	snap := tm.Stop()
	assert.Nil(t, snap.SessionID)
	assert.Equal(t, int64(0), snap.Seconds)
	assert.Equal(t, StateIdle, tm.State())

	// Stopping again changes nothing.
	snap = tm.Stop()
	assert.Nil(t, snap.SessionID)
}

func TestElapsedIdleIsZero(t *testing.T) {
	tm, clock := newTestTimer()
	clock.Advance(time.Hour)
	assert.Equal(t, int64(0), tm.ElapsedSeconds())
}

func TestBeginAndStop(t *testing.T) {
	tm, clock := newTestTimer()

	tm.Begin(7)
	clock.Advance(42*time.Second + 900*time.Millisecond)

	assert.Equal(t, int64(42), tm.ElapsedSeconds())

	snap := tm.Stop()
	require.NotNil(t, snap.SessionID)
	assert.Equal(t, int64(7), *snap.SessionID)
	assert.Equal(t, int64(42), snap.Seconds)
	assert.Equal(t, StateIdle, tm.State())

	_, ok := tm.SessionID()
	assert.False(t, ok)
}

func TestPauseResumeSubtractsPausedTime(t *testing.T) {
	tm, clock := newTestTimer()

	tm.Begin(1)
	clock.Advance(10 * time.Second)
	tm.Pause()
	assert.Equal(t, StatePaused, tm.State())
	clock.Advance(30 * time.Second)
	assert.Equal(t, int64(10), tm.ElapsedSeconds(), "elapsed is frozen while paused")
	tm.Resume()
	clock.Advance(5 * time.Second)
	tm.Pause()
	clock.Advance(3 * time.Second)
	tm.Resume()
	clock.Advance(2 * time.Second)

	snap := tm.Stop()
	assert.Equal(t, int64(17), snap.Seconds)
}

func TestStopWhilePaused(t *testing.T) {
	tm, clock := newTestTimer()

	tm.Begin(3)
	clock.Advance(20 * time.Second)
	tm.Pause()
	clock.Advance(100 * time.Second)

	snap := tm.Stop()
	require.NotNil(t, snap.SessionID)
	assert.Equal(t, int64(20), snap.Seconds)
}

func TestMisSequencedCallsAreIgnored(t *testing.T) {
	tm, clock := newTestTimer()

	tm.Resume()
	tm.Pause()
	assert.Equal(t, StateIdle, tm.State())

	tm.Begin(9)
	tm.Resume() // not paused
	clock.Advance(4 * time.Second)
	tm.Pause()
	tm.Pause() // already paused, pause instant must not move
	clock.Advance(6 * time.Second)
	tm.Resume()
	clock.Advance(1 * time.Second)

	assert.Equal(t, int64(5), tm.ElapsedSeconds())
}

func TestBeginDiscardsPreviousSession(t *testing.T) {
	tm, clock := newTestTimer()

	tm.Begin(1)
	clock.Advance(50 * time.Second)
	tm.Pause()

	tm.Begin(2)
	clock.Advance(3 * time.Second)

	id, ok := tm.SessionID()
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
	assert.Equal(t, StateRunning, tm.State())
	assert.Equal(t, int64(3), tm.ElapsedSeconds())
}

func TestElapsedFloorsEachComponent(t *testing.T) {
	tm, clock := newTestTimer()

	tm.Begin(1)
	clock.Advance(1500 * time.Millisecond)
	tm.Pause()
	clock.Advance(1600 * time.Millisecond)
	tm.Resume()

	// floor(3.1) - floor(1.6) = 2
	assert.Equal(t, int64(2), tm.ElapsedSeconds())
}

func TestElapsedNeverNegative(t *testing.T) {
	tm, clock := newTestTimer()

	tm.Begin(1)
	clock.Advance(-10 * time.Second)
	assert.Equal(t, int64(0), tm.ElapsedSeconds())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "paused", StatePaused.String())
}
