package mcpmgr

// State is the lifecycle position of a Session.
type State string

const (
	StateConnecting   State = "connecting"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateFailed       State = "failed"
	StateRestarting   State = "restarting"
	StateDisconnected State = "disconnected"
)

// transitions lists the legal successor states. Disconnected is reachable
// from everywhere through Close and is terminal.
var transitions = map[State][]State{
	"":                {StateConnecting},
	StateConnecting:   {StateInitializing, StateFailed},
	StateInitializing: {StateReady, StateFailed},
	StateReady:        {StateFailed},
	StateFailed:       {StateRestarting},
	StateRestarting:   {StateConnecting, StateFailed},
}

func canTransition(from, to State) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions can happen on their own.
func (s State) Terminal() bool { return s == StateDisconnected }

// Live reports whether the session holds, or is establishing, a connection.
func (s State) Live() bool {
	switch s {
	case StateConnecting, StateInitializing, StateReady, StateRestarting:
		return true
	default:
		return false
	}
}
