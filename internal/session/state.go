package session

// CallState is the peer session state. idle is both the initial state and
// terminal-reachable from every other state via explicit teardown.
type CallState string

const (
	StateIdle         CallState = "idle"
	StateDialing      CallState = "dialing"
	StateIncoming     CallState = "incoming"
	StateConnected    CallState = "connected"
	StateConnectClose CallState = "connect-close"
	StateUnavailable  CallState = "unavailable"
)

// event is a member of the closed set of inputs the state machine reacts to:
// transport callbacks, timer firings and local commands.
type event int

const (
	eventCall event = iota
	eventInbound
	eventConnOpen
	eventConnClose
	eventConnError
	eventDialTimeout
	eventResetElapsed
	eventHangUp
	eventDestroy
)

func (e event) String() string {
	switch e {
	case eventCall:
		return "call"
	case eventInbound:
		return "inbound"
	case eventConnOpen:
		return "conn-open"
	case eventConnClose:
		return "conn-close"
	case eventConnError:
		return "conn-error"
	case eventDialTimeout:
		return "dial-timeout"
	case eventResetElapsed:
		return "reset-elapsed"
	case eventHangUp:
		return "hang-up"
	case eventDestroy:
		return "destroy"
	}
	return "unknown"
}

// effect is a side effect the manager executes after a transition.
type effect int

const (
	// effectStartDialTimer arms the dial timeout.
	effectStartDialTimer effect = iota
	// effectStartResetTimer arms the automatic return to idle.
	effectStartResetTimer
	// effectCloseConn releases the owned transport connection.
	effectCloseConn
	// effectReset clears session state and the message log.
	effectReset
	// effectAnnounceConnected records the connection in the message log and
	// mirrors busy status into presence.
	effectAnnounceConnected
)

// transition is the pure state machine: given the current state, an event
// and the session direction it yields the next state and the effects to run.
// Unmatched (state, event) pairs are no-ops, which is what makes stale timer
// firings harmless once the generation guard has passed them through.
func transition(state CallState, ev event, outbound bool) (CallState, []effect) {
	switch ev {
	case eventHangUp, eventDestroy:
		return StateIdle, []effect{effectCloseConn, effectReset}
	}

	switch state {
	case StateIdle:
		switch ev {
		case eventCall:
			return StateDialing, []effect{effectStartDialTimer}
		case eventInbound:
			return StateIncoming, nil
		}

	case StateDialing:
		switch ev {
		case eventConnOpen:
			return StateConnected, []effect{effectAnnounceConnected}
		case eventConnError, eventDialTimeout:
			return StateUnavailable, []effect{effectCloseConn, effectStartResetTimer}
		case eventConnClose:
			return StateIdle, []effect{effectReset}
		}

	case StateIncoming:
		switch ev {
		case eventConnOpen:
			return StateConnected, []effect{effectAnnounceConnected}
		case eventConnError, eventConnClose:
			return StateIdle, []effect{effectCloseConn, effectReset}
		}

	case StateConnected:
		switch ev {
		case eventConnClose:
			// Asymmetric on purpose: an outbound session lingers in
			// connect-close before idling, an inbound one resets directly.
			if outbound {
				return StateConnectClose, []effect{effectStartResetTimer}
			}
			return StateIdle, []effect{effectReset}
		case eventConnError:
			return StateUnavailable, []effect{effectCloseConn, effectStartResetTimer}
		}

	case StateUnavailable, StateConnectClose:
		if ev == eventResetElapsed {
			return StateIdle, []effect{effectReset}
		}
	}

	return state, nil
}
