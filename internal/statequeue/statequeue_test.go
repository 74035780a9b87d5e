package statequeue

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyAssignsMonotonicIDs(t *testing.T) {
	q := New()
	id1 := q.Notify("brightness", 10, time.Now())
	id2 := q.Notify("brightness", 20, time.Now())
	if id2 <= id1 {
		t.Errorf("id2 = %d, want > id1 = %d", id2, id1)
	}
}

func TestSnapshotReflectsLatestValuePerProperty(t *testing.T) {
	q := New()
	q.Notify("brightness", 10, time.Now())
	q.Notify("brightness", 20, time.Now())
	q.Notify("color", "red", time.Now())

	snap := q.Snapshot()
	if snap["brightness"] != 20 {
		t.Errorf("brightness = %v, want 20 (latest write)", snap["brightness"])
	}
	if snap["color"] != "red" {
		t.Errorf("color = %v, want red", snap["color"])
	}
}

func TestGetSinceReturnsOnlyNewerChanges(t *testing.T) {
	q := New()
	id1 := q.Notify("a", 1, time.Now())
	q.Notify("b", 2, time.Now())
	q.Notify("c", 3, time.Now())

	since := q.GetSince(id1)
	if len(since) != 2 {
		t.Fatalf("got %d changes, want 2", len(since))
	}
	if since[0].Path != "b" || since[1].Path != "c" {
		t.Errorf("order = %+v, want [b, c]", since)
	}
}

func TestGetSinceZeroReturnsFullLog(t *testing.T) {
	q := New()
	q.Notify("a", 1, time.Now())
	q.Notify("b", 2, time.Now())

	since := q.GetSince(0)
	if len(since) != 2 {
		t.Fatalf("got %d changes, want 2", len(since))
	}
}

func TestClearUpToDiscardsOlderLogEntries(t *testing.T) {
	q := New()
	id1 := q.Notify("a", 1, time.Now())
	q.Notify("b", 2, time.Now())

	q.ClearUpTo(id1)
	remaining := q.GetSince(0)
	if len(remaining) != 1 || remaining[0].Path != "b" {
		t.Errorf("remaining = %+v, want only 'b'", remaining)
	}

	// Snapshot values survive regardless of log clearing.
	if snap := q.Snapshot(); snap["a"] != 1 {
		t.Errorf("snapshot[a] = %v, want 1 (unaffected by ClearUpTo)", snap["a"])
	}
}

func TestListenerIsDebounced(t *testing.T) {
	q := New()
	var calls int32
	q.Subscribe(func() { atomic.AddInt32(&calls, 1) })

	for i := 0; i < 20; i++ {
		q.Notify("p", i, time.Now())
	}

	time.Sleep(400 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got < 1 || got > 3 {
		t.Errorf("listener calls = %d, want a small number due to debounce (not 20)", got)
	}
}
