// Package command implements the CommandInstance state machine and its
// per-command upload queue.
package command

import (
	"sync"
	"time"

	"deviceagent/internal/agenterr"
)

// State is one CommandInstance lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "inProgress"
	StatePaused     State = "paused"
	StateError      State = "error"
	StateDone       State = "done"
	StateCancelled  State = "cancelled"
	StateAborted    State = "aborted"
	StateExpired    State = "expired"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateCancelled, StateAborted, StateExpired:
		return true
	default:
		return false
	}
}

var allowedFrom = map[State]map[State]bool{
	StateQueued:     {StateInProgress: true, StateCancelled: true, StateExpired: true},
	StateInProgress: {StatePaused: true, StateDone: true, StateError: true, StateCancelled: true, StateAborted: true},
	StatePaused:     {StateInProgress: true, StateCancelled: true},
	StateError:      {StateQueued: true, StateInProgress: true, StateCancelled: true},
}

// Origin distinguishes a Cloud-issued command from one originated locally
// (e.g. via the Privet API).
type Origin string

const (
	OriginCloud Origin = "cloud"
	OriginLocal Origin = "local"
)

// Update is the PATCH body minted by an Instance transition.
type Update struct {
	State    State `json:"state"`
	Progress any   `json:"progress,omitempty"`
	Results  any   `json:"results,omitempty"`
	Error    any   `json:"error,omitempty"`
}

// Instance is a single server-issued or locally-originated command.
type Instance struct {
	mu sync.Mutex

	ID           string
	Name         string
	Component    string
	Parameters   map[string]any
	Progress     any
	Results      any
	State        State
	Origin       Origin
	CreationTime time.Time
}

// New constructs a queued Instance. name/component identify the command
// (e.g. "onOff" under component "base"); parameters have already been
// validated by the catalog.
func New(id, name, component string, parameters map[string]any, origin Origin, now time.Time) *Instance {
	return &Instance{
		ID:           id,
		Name:         name,
		Component:    component,
		Parameters:   parameters,
		State:        StateQueued,
		Origin:       origin,
		CreationTime: now,
	}
}

func (i *Instance) snapshotState() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.State
}

func (i *Instance) transitionLocked(to State) error {
	if i.State.Terminal() {
		return agenterr.New(agenterr.DomainBuffet, "", "command "+i.ID+" is already in terminal state "+string(i.State))
	}
	if !allowedFrom[i.State][to] {
		return agenterr.New(agenterr.DomainBuffet, "", "invalid transition "+string(i.State)+" -> "+string(to)+" for command "+i.ID)
	}
	i.State = to
	return nil
}

// Dispatch marks a queued instance inProgress, the transition performed
// when the device-application handler accepts it.
func (i *Instance) Dispatch() (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateInProgress); err != nil {
		return nil, err
	}
	return &Update{State: i.State}, nil
}

// SetProgress updates the progress payload without changing state; valid
// only while inProgress or paused.
func (i *Instance) SetProgress(progress any) (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.State != StateInProgress && i.State != StatePaused {
		return nil, agenterr.New(agenterr.DomainBuffet, "", "progress may only be set while inProgress or paused, not "+string(i.State))
	}
	i.Progress = progress
	return &Update{State: i.State, Progress: progress}, nil
}

// Complete transitions to done and records results.
func (i *Instance) Complete(results any) (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateDone); err != nil {
		return nil, err
	}
	i.Results = results
	return &Update{State: StateDone, Results: results}, nil
}

// Pause transitions inProgress to paused.
func (i *Instance) Pause() (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StatePaused); err != nil {
		return nil, err
	}
	return &Update{State: StatePaused}, nil
}

// Abort transitions to the terminal aborted state, recording errValue.
func (i *Instance) Abort(errValue any) (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateAborted); err != nil {
		return nil, err
	}
	return &Update{State: StateAborted, Error: errValue}, nil
}

// MarkError transitions to error (e.g. after a catalog validation failure),
// recording errValue as a structured error payload.
func (i *Instance) MarkError(errValue any) (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateError); err != nil {
		return nil, err
	}
	return &Update{State: StateError, Error: errValue}, nil
}

// Cancel transitions to the terminal cancelled state from any non-terminal
// state that permits it.
func (i *Instance) Cancel() (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateCancelled); err != nil {
		return nil, err
	}
	return &Update{State: StateCancelled}, nil
}

// Expire transitions a queued instance to the terminal expired state.
func (i *Instance) Expire() (*Update, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateExpired); err != nil {
		return nil, err
	}
	return &Update{State: StateExpired}, nil
}
