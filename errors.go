package netsync

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is matched by every DecodeError
	ErrMalformed = errors.New("malformed packet")

	// ErrStalePacket is returned for packets at or behind the last applied tick
	ErrStalePacket = errors.New("stale packet")

	// ErrUnknownPeer is wrapped by TransportError when no link exists
	ErrUnknownPeer = errors.New("unknown peer")

	ErrPeerIDInUse  = errors.New("peer id in use")
	ErrNotOwner     = errors.New("sender does not own entity")
	ErrEntityExists = errors.New("entity already exists")
	ErrClosed       = errors.New("already closed")

	// ErrUnknownEntity is returned for snapshots of entities no join announced
	ErrUnknownEntity = errors.New("unknown entity")
)

// A TransportError is returned when a datagram can't be handed to a link.
// It is never fatal, the caller may retry on the next tick.
type TransportError struct {
	Peer PeerID
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s peer %d: %v", e.Op, e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// A DecodeError describes a datagram that was dropped
type DecodeError struct {
	Type   MsgType
	Len    int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (%d bytes): %s", e.Type, e.Len, e.Reason)
}

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }
