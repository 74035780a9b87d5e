package command

import (
	"testing"
	"time"
)

func TestSetProgressMintsProgressUpdate(t *testing.T) {
	inst := New("1234", "onOff", "base", nil, OriginCloud, time.Now())
	if _, err := inst.Dispatch(); err != nil {
		t.Fatal(err)
	}

	update, err := inst.SetProgress(map[string]any{"progress": 18})
	if err != nil {
		t.Fatal(err)
	}
	if update.State != StateInProgress {
		t.Errorf("state = %s, want inProgress", update.State)
	}
	progress, ok := update.Progress.(map[string]any)
	if !ok || progress["progress"] != 18 {
		t.Errorf("progress = %v, want {progress: 18}", update.Progress)
	}
}

func TestCompleteMintsResultsUpdate(t *testing.T) {
	inst := New("1234", "onOff", "base", nil, OriginCloud, time.Now())
	inst.Dispatch()

	update, err := inst.Complete(map[string]any{"status": "Ok"})
	if err != nil {
		t.Fatal(err)
	}
	if update.State != StateDone {
		t.Errorf("state = %s, want done", update.State)
	}
	results, ok := update.Results.(map[string]any)
	if !ok || results["status"] != "Ok" {
		t.Errorf("results = %v, want {status: Ok}", update.Results)
	}
}

func TestCancelMintsCancelledUpdate(t *testing.T) {
	inst := New("1234", "onOff", "base", nil, OriginCloud, time.Now())

	update, err := inst.Cancel()
	if err != nil {
		t.Fatal(err)
	}
	if update.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", update.State)
	}
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	inst := New("1", "x", "base", nil, OriginCloud, time.Now())
	inst.Dispatch()
	if _, err := inst.Complete(nil); err != nil {
		t.Fatal(err)
	}

	if _, err := inst.Cancel(); err == nil {
		t.Error("expected error canceling a done command")
	}
	if _, err := inst.Abort(nil); err == nil {
		t.Error("expected error aborting a done command")
	}
}

func TestDAGRejectsInvalidTransitions(t *testing.T) {
	inst := New("1", "x", "base", nil, OriginCloud, time.Now())
	// queued -> done is not a permitted edge.
	if _, err := inst.Complete(nil); err == nil {
		t.Error("expected error completing a queued command directly")
	}
}

func TestErrorStateCanReturnToQueuedOrInProgress(t *testing.T) {
	inst := New("1", "x", "base", nil, OriginCloud, time.Now())
	inst.Dispatch()
	if _, err := inst.MarkError("boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Dispatch(); err != nil {
		t.Fatalf("expected error->inProgress to be permitted: %v", err)
	}
}

func TestProgressOnlyWhileInProgressOrPaused(t *testing.T) {
	inst := New("1", "x", "base", nil, OriginCloud, time.Now())
	if _, err := inst.SetProgress(1); err == nil {
		t.Error("expected error setting progress on a queued command")
	}
}

func TestPauseThenResume(t *testing.T) {
	inst := New("1", "x", "base", nil, OriginCloud, time.Now())
	inst.Dispatch()
	if _, err := inst.Pause(); err != nil {
		t.Fatal(err)
	}
	if inst.snapshotState() != StatePaused {
		t.Errorf("state = %s, want paused", inst.snapshotState())
	}
	if _, err := inst.Dispatch(); err != nil {
		t.Fatalf("paused -> inProgress should be permitted: %v", err)
	}
}
