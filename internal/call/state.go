package call

import "github.com/mossy-p/call-signaling/internal/models"

// State is the local lifecycle state of a signaling session
type State int

const (
	StateNew State = iota
	StateOffering
	StateRinging
	StateAnswered
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// StateChange is published on every transition of a session
type StateChange struct {
	SessionID   string
	InitiatorID string
	ResponderID string
	Role        models.Role
	State       State
	// Err is the failure for StateFailed, ErrRemoteHangup when the other
	// side ended the call, nil otherwise
	Err error
}

// LocalUserID is the participant this process acts for
func (c StateChange) LocalUserID() string {
	if c.Role == models.RoleInitiator {
		return c.InitiatorID
	}
	return c.ResponderID
}
