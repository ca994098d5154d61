package netsync

// ProtoVersion must be the first byte of every datagram
const ProtoVersion uint8 = 1

// A MsgType identifies the payload following the Header
type MsgType uint8

const (
	MsgPing MsgType = iota + 1
	MsgPong
	MsgSnapshot
	MsgCommand
	MsgJoin
	MsgLeave
)

var msgTypeNames = [...]string{
	MsgPing:     "ping",
	MsgPong:     "pong",
	MsgSnapshot: "snapshot",
	MsgCommand:  "command",
	MsgJoin:     "join",
	MsgLeave:    "leave",
}

func (t MsgType) String() string {
	if t.Valid() {
		return msgTypeNames[t]
	}

	return "unknown"
}

// Valid reports whether t is a known message type
func (t MsgType) Valid() bool { return t >= MsgPing && t <= MsgLeave }

// Sizes of the fixed wire layouts, in bytes
const (
	HeaderSize   = 1 + 1 + 4 + 4
	SnapshotSize = 4 + 3*4 + 4*4 + 3*4 + 2 + 1 + 2
	CommandSize  = 2*4 + 2*4 + 1
	PingSize     = 4
	PongSize     = 4 + 4
	JoinSize     = 4
	LeaveSize    = 0
)

// payloadSize returns the exact payload length of a message type
func payloadSize(t MsgType) int {
	switch t {
	case MsgPing:
		return PingSize
	case MsgPong:
		return PongSize
	case MsgSnapshot:
		return SnapshotSize
	case MsgCommand:
		return CommandSize
	case MsgJoin:
		return JoinSize
	case MsgLeave:
		return LeaveSize
	}

	return -1
}

// A PeerID identifies a peer for the lifetime of a session
type PeerID uint32

// A Tick counts fixed simulation steps.
// Local and remote ticks are separate namespaces, see Clock.
type Tick uint32

// After reports whether t is later than u, tolerating wrap-around
func (t Tick) After(u Tick) bool { return int32(t-u) > 0 }

// Sub returns the signed distance from u to t
func (t Tick) Sub(u Tick) int32 { return int32(t - u) }

// Header prefixes every datagram
type Header struct {
	Version uint8
	Type    MsgType
	Peer    PeerID
	Tick    Tick
}
