// Package session reports which users are logged in, the state of their
// sessions and the processes they run.
package session

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// State is the aggregated state of a user's sessions.
type State int

const (
	None State = iota
	Locked
	Idle
	Active
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Idle:
		return "idle"
	case Locked:
		return "locked"
	default:
		return "none"
	}
}

// Qualifies reports whether a session in state s consumes time.
func Qualifies(s State, trackInactive bool) bool {
	switch s {
	case Active:
		return true
	case Idle, Locked:
		return trackInactive
	}
	return false
}

// Snapshot is the session and process state of all users at one instant.
type Snapshot struct {
	Sessions   map[string]State
	SessionIDs map[string][]string
	Processes  map[string][]string
	// Errors holds users whose state could not be read this time.
	Errors map[string]error
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{
		Sessions:   make(map[string]State),
		SessionIDs: make(map[string][]string),
		Processes:  make(map[string][]string),
		Errors:     make(map[string]error),
	}
}

// AddSession records one session for user. A user's state is the most
// active of their sessions.
func (s Snapshot) AddSession(user, id string, state State) {
	if cur, ok := s.Sessions[user]; !ok || state > cur {
		s.Sessions[user] = state
	}
	if id != "" {
		s.SessionIDs[user] = append(s.SessionIDs[user], id)
	}
}

// State returns the state of user and whether it could be read.
func (s Snapshot) State(user string) (State, bool) {
	if _, failed := s.Errors[user]; failed {
		return None, false
	}
	return s.Sessions[user], true
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		Sessions:   maps.Clone(s.Sessions),
		SessionIDs: make(map[string][]string, len(s.SessionIDs)),
		Processes:  make(map[string][]string, len(s.Processes)),
		Errors:     maps.Clone(s.Errors),
	}
	for u, ids := range s.SessionIDs {
		c.SessionIDs[u] = slices.Clone(ids)
	}
	for u, procs := range s.Processes {
		c.Processes[u] = slices.Clone(procs)
	}
	if c.Sessions == nil {
		c.Sessions = make(map[string]State)
	}
	if c.Errors == nil {
		c.Errors = make(map[string]error)
	}
	return c
}

// Observer produces session snapshots.
type Observer interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Static is an Observer that returns a snapshot set by the caller.
type Static struct {
	snap Snapshot
	err  error
	mu   sync.Mutex
}

// NewStatic creates a Static observer with an empty snapshot.
func NewStatic() *Static {
	return &Static{snap: NewSnapshot()}
}

// Set replaces the snapshot returned by later calls.
func (o *Static) Set(snap Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap = snap.Clone()
	o.err = nil
}

// SetError makes later calls fail with err.
func (o *Static) SetError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Snapshot implements Observer.
func (o *Static) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return Snapshot{}, o.err
	}
	return o.snap.Clone(), nil
}
