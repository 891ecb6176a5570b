package client

// Phase is where the local user is in the call lifecycle
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseOutgoing Phase = "outgoing"
	PhaseIncoming Phase = "incoming"
	PhaseInCall   Phase = "in_call"
)

// Role is the local user's side of the call
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// CallState is the client's view of its current call. It changes only on
// acknowledged server replies and pushes.
type CallState struct {
	Phase     Phase
	Role      Role
	CallID    string
	PeerID    string
	PeerName  string
	PeerHost  string
	PeerPort  int
	LocalPort int
}

// Idle reports whether there is no call in progress
func (s CallState) Idle() bool {
	return s.Phase == PhaseIdle || s.Phase == ""
}

func idleState() CallState {
	return CallState{Phase: PhaseIdle}
}
