package worker

import (
	"fmt"
	"sync"
)

// State is a worker lifecycle state.
type State string

const (
	StateUninitialized State = "Uninitialized"
	StateReady         State = "Ready"
	StatePoweredOff    State = "PoweredOff"
	StatePoweredOn     State = "PoweredOn"
	StateTornDown      State = "TornDown"
)

// Lifecycle tracks the state of a worker and rejects illegal transitions.
// The zero value is Uninitialized and safe for concurrent use.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current()
}

func (l *Lifecycle) current() State {
	if l.state == "" {
		return StateUninitialized
	}
	return l.state
}

// TransitionToReady is called once Setup has completed.
func (l *Lifecycle) TransitionToReady() error {
	return l.transition(StateReady, StateUninitialized)
}

// TransitionToPoweredOn is called once the DUT has been switched on.
func (l *Lifecycle) TransitionToPoweredOn() error {
	return l.transition(StatePoweredOn, StateReady, StatePoweredOff, StatePoweredOn)
}

// TransitionToPoweredOff is called once the DUT has been switched off.
// Powering off a worker that was never powered on is allowed.
func (l *Lifecycle) TransitionToPoweredOff() error {
	return l.transition(StatePoweredOff, StateReady, StatePoweredOff, StatePoweredOn)
}

// TransitionToTornDown may happen from any state.
func (l *Lifecycle) TransitionToTornDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateTornDown
}

// RequireOperational returns an InvalidState error unless the worker is
// between Setup and Teardown.
func (l *Lifecycle) RequireOperational() error {
	switch s := l.State(); s {
	case StateReady, StatePoweredOff, StatePoweredOn:
		return nil
	default:
		return InvalidState(fmt.Sprintf("worker is %s", s), nil)
	}
}

// IsPoweredOn returns true if the DUT is on.
func (l *Lifecycle) IsPoweredOn() bool {
	return l.State() == StatePoweredOn
}

func (l *Lifecycle) transition(to State, from ...State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.current()
	for _, f := range from {
		if cur == f {
			l.state = to
			return nil
		}
	}
	return InvalidState(fmt.Sprintf("cannot transition to %s from %s", to, cur), nil)
}
