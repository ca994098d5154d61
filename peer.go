package netsync

import "time"

// PeerState is the connection state of a peer.
// Disconnected is terminal.
type PeerState uint8

const (
	StateConnecting PeerState = iota
	StateActive
	StateStale
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateDisconnected:
		return "disconnected"
	}

	return "invalid"
}

// LeaveReason tells observers why a peer was disconnected
type LeaveReason uint8

const (
	LeaveExplicit LeaveReason = iota
	LeaveTimeout
	LeaveTransport
	LeaveShutdown

	// LeaveRejected ends a session whose join could not be accepted,
	// e.g. because its avatar id belongs to another peer
	LeaveRejected
)

func (r LeaveReason) String() string {
	switch r {
	case LeaveExplicit:
		return "left"
	case LeaveTimeout:
		return "timed out"
	case LeaveTransport:
		return "link closed"
	case LeaveShutdown:
		return "shutdown"
	case LeaveRejected:
		return "rejected"
	}

	return "invalid"
}

// A PeerSession is the liveness and timing state of one peer
type PeerSession struct {
	ID            PeerID
	State         PeerState
	LastHeartbeat Tick
	EstimatedRTT  time.Duration
	ClockOffset   int32
	Avatar        EntityID
	HasAvatar     bool

	clockStale bool
}

// Connected reports whether gameplay traffic should be sent to the peer
func (p PeerSession) Connected() bool {
	return p.State == StateActive || p.State == StateStale
}
