package stateengine

import (
	"errors"
	"fmt"
	"time"
)

var ErrIllegalTransition = errors.New("illegal session transition")

var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateBootstrapping, StateLive, StateDisconnected},
	StateBootstrapping: {StateLive, StateDisconnected},
	StateLive:          {StateReconnecting, StateDisconnected},
	StateReconnecting:  {StateLive, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// connecting -> live is only taken by mock sessions, which skip bootstrap.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine holds the current state and the time it was entered.
type Machine struct {
	current   State
	enteredAt time.Time
}

func NewMachine(now time.Time) *Machine {
	return &Machine{current: StateDisconnected, enteredAt: now}
}

func (m *Machine) Current() State {
	return m.current
}

func (m *Machine) EnteredAt() time.Time {
	return m.enteredAt
}

// Transition moves to next when legal. A self transition is a no-op.
func (m *Machine) Transition(next State, now time.Time) error {
	if m.current == next {
		return nil
	}
	if !CanTransition(m.current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.current, next)
	}
	m.current = next
	m.enteredAt = now
	return nil
}

// Reset forces disconnected; teardown is legal from every state.
func (m *Machine) Reset(now time.Time) {
	if m.current == StateDisconnected {
		return
	}
	m.current = StateDisconnected
	m.enteredAt = now
}
