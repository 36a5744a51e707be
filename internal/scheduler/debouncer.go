// Package scheduler provides a keyed debounce scheduler.
//
// Scheduling a task for a key that already has a pending task cancels the
// pending one and starts a fresh delay. Unrelated keys run independently.
// DrainAll runs every pending task synchronously and is meant for teardown.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	task  func()
	seq   uint64
}

// Debouncer coalesces repeated tasks per key.
type Debouncer[K comparable] struct {
	mu      sync.Mutex
	pending map[K]*entry
	seq     uint64
	closed  bool
	running int
	idle    *sync.Cond
}

// New creates an empty Debouncer.
func New[K comparable]() *Debouncer[K] {
	d := &Debouncer[K]{pending: make(map[K]*entry)}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Schedule runs task after delay unless another Schedule for the same key
// arrives first. It returns false once the Debouncer is closed.
func (d *Debouncer[K]) Schedule(key K, delay time.Duration, task func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}

	d.seq++
	e := &entry{task: task, seq: d.seq}
	e.timer = time.AfterFunc(delay, func() { d.fire(key, e) })
	d.pending[key] = e
	return true
}

func (d *Debouncer[K]) fire(key K, e *entry) {
	d.mu.Lock()
	if d.pending[key] != e {
		// Replaced, cancelled or drained.
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.running++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running--
		if d.running == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()
	}()
	e.task()
}

// Cancel drops the pending task for key. It reports whether one existed.
func (d *Debouncer[K]) Cancel(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(d.pending, key)
	return true
}

// Pending returns the number of tasks waiting for their delay to elapse.
func (d *Debouncer[K]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// DrainAll runs every pending task now, in the order they were scheduled,
// and waits for tasks whose timers already fired. It returns the number of
// pending tasks it ran.
func (d *Debouncer[K]) DrainAll() int {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.pending))
	for key, e := range d.pending {
		e.timer.Stop()
		entries = append(entries, e)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		e.task()
	}

	d.mu.Lock()
	for d.running > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
	return len(entries)
}

// Close drains pending tasks and rejects further scheduling.
func (d *Debouncer[K]) Close() int {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.DrainAll()
}
