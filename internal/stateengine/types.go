package stateengine

import "time"

// State is the connection lifecycle state of a session.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateBootstrapping State = "bootstrapping"
	StateLive          State = "live"
	StateReconnecting  State = "reconnecting"
)

// Reachability is tracked independently of the transport; only status
// probes move it.
type Reachability struct {
	Reachable            bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastProbeAt          time.Time
	LastTransitionAt     time.Time
}
