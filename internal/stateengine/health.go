package stateengine

import "time"

// NextReachability folds one status probe result into the reachability
// record. A single success or failure flips the flag; the counters are kept
// for display and logging.
func NextReachability(state Reachability, success bool, now time.Time) Reachability {
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}
	state.LastProbeAt = now

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if !state.Reachable {
			state.Reachable = true
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	if state.Reachable {
		state.Reachable = false
		state.LastTransitionAt = now
	}
	return state
}

// MarkUnreachable records an unreachable verdict that did not come from a
// probe, such as a transport drop.
func MarkUnreachable(state Reachability, now time.Time) Reachability {
	if state.Reachable {
		state.Reachable = false
		state.LastTransitionAt = now
	}
	return state
}
