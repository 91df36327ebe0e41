package core

// ConnectionState represents the lifecycle state of the tunnel connection
// managed by the orchestrator. There is a single authoritative instance per
// orchestrator; everything else observes it through the event bus.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
	StateKillSwitchActive
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	case StateKillSwitchActive:
		return "killswitch"
	default:
		return "unknown"
	}
}

// ConnectionStatus is the full observable status: the state plus, when
// connected, the profile name, and, on error, a single user-visible message.
type ConnectionStatus struct {
	State   ConnectionState
	Profile string // profile name, set while Connecting/Connected/KillSwitchActive
	Message string // user-visible error message, set only for StateError
}

// validTransitions enumerates the allowed state machine edges.
// Error is terminal per attempt: the orchestrator surfaces it and then
// returns to Disconnected.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected:     {StateConnecting},
	StateConnecting:       {StateConnected, StateError, StateDisconnecting},
	StateConnected:        {StateDisconnecting, StateError, StateKillSwitchActive},
	StateKillSwitchActive: {StateConnected, StateDisconnecting, StateError},
	StateDisconnecting:    {StateDisconnected},
	StateError:            {StateDisconnected},
}

// CanTransition reports whether the edge from→to is allowed.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
