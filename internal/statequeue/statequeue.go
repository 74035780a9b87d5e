// Package statequeue implements the StateChange queue: per-property
// coalescing notifications with a debounced listener, consumed by the
// state uploader.
package statequeue

import (
	"sort"
	"sync"
	"time"
)

// Change is one recorded property update.
type Change struct {
	ID       uint64
	Path     string
	Value    any
	Occurred time.Time
}

// debounceInterval is the minimum spacing between listener notifications.
const debounceInterval = 250 * time.Millisecond

// Listener is notified asynchronously, at most once per debounceInterval,
// whenever one or more changes have been queued since the last notification.
type Listener func()

// Queue coalesces consecutive writes to the same property, preserves
// insertion order per property, and exposes a consistent current snapshot.
type Queue struct {
	mu       sync.Mutex
	nextID   uint64
	current  map[string]Change // latest value per property path
	order    []string          // insertion order of property paths first seen
	log      []Change          // change log in emission order, for get_since
	listener Listener
	debounce *time.Timer
	pending  bool
	now      func() time.Time
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		current: make(map[string]Change),
		now:     time.Now,
	}
}

// Subscribe registers the single listener notified on new changes. Only one
// listener is supported at a time; a later call replaces the previous one.
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = l
}

// Notify records a property update and returns its change id. Consecutive
// writes to the same property coalesce: only the latest value is retained
// in the snapshot and change log for that property until consumed.
func (q *Queue) Notify(path string, value any, occurred time.Time) uint64 {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	change := Change{ID: id, Path: path, Value: value, Occurred: occurred}

	if _, seen := q.current[path]; !seen {
		q.order = append(q.order, path)
	}
	q.current[path] = change
	q.log = append(q.log, change)

	q.scheduleNotifyLocked()
	q.mu.Unlock()
	return id
}

func (q *Queue) scheduleNotifyLocked() {
	if q.listener == nil {
		return
	}
	if q.debounce != nil {
		q.pending = true
		return
	}
	q.pending = false
	q.debounce = time.AfterFunc(debounceInterval, q.fireDebounce)
	// Fire immediately for the first notification in a quiet period; the
	// timer above only guards the *next* one.
	go q.listener()
}

func (q *Queue) fireDebounce() {
	q.mu.Lock()
	q.debounce = nil
	firePending := q.pending
	q.pending = false
	listener := q.listener
	q.mu.Unlock()

	if firePending && listener != nil {
		listener()
	}
}

// Snapshot returns the current value of every property, consistent with
// the most recent Notify calls.
func (q *Queue) Snapshot() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]any, len(q.current))
	for path, c := range q.current {
		out[path] = c.Value
	}
	return out
}

// GetSince returns every change recorded after changeID, in emission order.
// Pass 0 to retrieve the full log.
func (q *Queue) GetSince(changeID uint64) []Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := sort.Search(len(q.log), func(i int) bool { return q.log[i].ID > changeID })
	out := make([]Change, len(q.log)-idx)
	copy(out, q.log[idx:])
	return out
}

// ClearUpTo discards log entries up to and including changeID — called
// once the uploader's watermark advances past them. Current values remain
// in the snapshot regardless.
func (q *Queue) ClearUpTo(changeID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := sort.Search(len(q.log), func(i int) bool { return q.log[i].ID > changeID })
	q.log = append([]Change(nil), q.log[idx:]...)
}

// LastChangeID returns the most recently assigned change id, or 0 if none.
func (q *Queue) LastChangeID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextID
}
