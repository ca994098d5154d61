package netsync

// AppendHeader appends the wire form of h to dst
func AppendHeader(dst []byte, t MsgType, peer PeerID, tick Tick) []byte {
	dst = appendUint8(dst, ProtoVersion)
	dst = appendUint8(dst, uint8(t))
	dst = appendUint32(dst, uint32(peer))
	return appendUint32(dst, uint32(tick))
}

// DecodeHeader validates the header and the payload length of b.
// It returns the payload following the header.
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, &DecodeError{Len: len(b), Reason: "short header"}
	}

	r := &reader{b: b}
	h := Header{
		Version: r.uint8(),
		Type:    MsgType(r.uint8()),
		Peer:    PeerID(r.uint32()),
		Tick:    Tick(r.uint32()),
	}

	if h.Version != ProtoVersion {
		return h, nil, &DecodeError{Type: h.Type, Len: len(b), Reason: "unsupported version"}
	}
	if !h.Type.Valid() {
		return h, nil, &DecodeError{Type: h.Type, Len: len(b), Reason: "unknown message type"}
	}
	if n := len(b) - HeaderSize; n != payloadSize(h.Type) {
		return h, nil, &DecodeError{Type: h.Type, Len: len(b), Reason: "bad payload length"}
	}

	return h, b[HeaderSize:], nil
}

func decodeExpect(b []byte, t MsgType) (Header, []byte, error) {
	h, p, err := DecodeHeader(b)
	if err != nil {
		short := len(b) >= HeaderSize && len(b) < HeaderSize+payloadSize(t)
		if short && MsgType(b[1]) == t && b[0] == ProtoVersion {
			return h, nil, &DecodeError{Type: t, Len: len(b), Reason: "truncated payload"}
		}
		return h, nil, err
	}
	if h.Type != t {
		return h, nil, &DecodeError{Type: h.Type, Len: len(b), Reason: "expected " + t.String()}
	}

	return h, p, nil
}

// AppendSnapshot appends a snapshot datagram sent by peer to dst.
// The header tick is the snapshot tick.
func AppendSnapshot(dst []byte, peer PeerID, s EntitySnapshot) []byte {
	dst = AppendHeader(dst, MsgSnapshot, peer, s.Tick)
	dst = appendUint32(dst, uint32(s.Entity))
	for _, v := range s.Position {
		dst = appendFloat32(dst, v)
	}
	dst = appendFloat32(dst, s.Orientation.W)
	for _, v := range s.Orientation.V {
		dst = appendFloat32(dst, v)
	}
	for _, v := range s.Velocity {
		dst = appendFloat32(dst, v)
	}
	dst = appendUint16(dst, s.Health)
	dst = appendUint8(dst, uint8(s.Weapon.Type))
	return appendUint16(dst, s.Weapon.Ammo)
}

// EncodeSnapshot returns the snapshot datagram sent by peer
func EncodeSnapshot(peer PeerID, s EntitySnapshot) []byte {
	return AppendSnapshot(make([]byte, 0, HeaderSize+SnapshotSize), peer, s)
}

// DecodeSnapshot parses a snapshot datagram
func DecodeSnapshot(b []byte) (Header, EntitySnapshot, error) {
	h, p, err := decodeExpect(b, MsgSnapshot)
	if err != nil {
		return h, EntitySnapshot{}, err
	}

	r := &reader{b: p}
	s := EntitySnapshot{Tick: h.Tick}
	s.Entity = EntityID(r.uint32())
	for i := range s.Position {
		s.Position[i] = r.float32()
	}
	s.Orientation.W = r.float32()
	for i := range s.Orientation.V {
		s.Orientation.V[i] = r.float32()
	}
	for i := range s.Velocity {
		s.Velocity[i] = r.float32()
	}
	s.Health = r.uint16()
	s.Weapon.Type = WeaponType(r.uint8())
	s.Weapon.Ammo = r.uint16()

	return h, s, nil
}

// AppendCommand appends a command datagram sent by peer to dst
func AppendCommand(dst []byte, peer PeerID, c InputCommand) []byte {
	dst = AppendHeader(dst, MsgCommand, peer, c.Tick)
	for _, v := range c.Movement {
		dst = appendFloat32(dst, v)
	}
	for _, v := range c.LookDelta {
		dst = appendFloat32(dst, v)
	}
	return appendUint8(dst, uint8(c.Actions))
}

// EncodeCommand returns the command datagram sent by peer
func EncodeCommand(peer PeerID, c InputCommand) []byte {
	return AppendCommand(make([]byte, 0, HeaderSize+CommandSize), peer, c)
}

// DecodeCommand parses a command datagram
func DecodeCommand(b []byte) (Header, InputCommand, error) {
	h, p, err := decodeExpect(b, MsgCommand)
	if err != nil {
		return h, InputCommand{}, err
	}

	r := &reader{b: p}
	c := InputCommand{Tick: h.Tick}
	for i := range c.Movement {
		c.Movement[i] = r.float32()
	}
	for i := range c.LookDelta {
		c.LookDelta[i] = r.float32()
	}
	c.Actions = Action(r.uint8())

	return h, c, nil
}

// EncodePing returns a ping stamped with the local send tick
func EncodePing(peer PeerID, tick Tick) []byte {
	b := AppendHeader(make([]byte, 0, HeaderSize+PingSize), MsgPing, peer, tick)
	return appendUint32(b, uint32(tick))
}

// DecodePing returns the send tick carried by a ping
func DecodePing(b []byte) (Header, Tick, error) {
	h, p, err := decodeExpect(b, MsgPing)
	if err != nil {
		return h, 0, err
	}

	return h, Tick(le.Uint32(p)), nil
}

// A Pong answers a Ping
type Pong struct {
	// Echo is the send tick of the ping being answered
	Echo Tick

	// LastCommand is the newest command tick the sender has
	// applied from the receiver
	LastCommand Tick
}

// EncodePong returns a pong sent at the local tick
func EncodePong(peer PeerID, tick Tick, pong Pong) []byte {
	b := AppendHeader(make([]byte, 0, HeaderSize+PongSize), MsgPong, peer, tick)
	b = appendUint32(b, uint32(pong.Echo))
	return appendUint32(b, uint32(pong.LastCommand))
}

// DecodePong parses a pong datagram
func DecodePong(b []byte) (Header, Pong, error) {
	h, p, err := decodeExpect(b, MsgPong)
	if err != nil {
		return h, Pong{}, err
	}

	r := &reader{b: p}
	return h, Pong{Echo: Tick(r.uint32()), LastCommand: Tick(r.uint32())}, nil
}

// EncodeJoin announces peer and the entity it controls
func EncodeJoin(peer PeerID, tick Tick, avatar EntityID) []byte {
	b := AppendHeader(make([]byte, 0, HeaderSize+JoinSize), MsgJoin, peer, tick)
	return appendUint32(b, uint32(avatar))
}

// DecodeJoin returns the avatar announced by a join
func DecodeJoin(b []byte) (Header, EntityID, error) {
	h, p, err := decodeExpect(b, MsgJoin)
	if err != nil {
		return h, 0, err
	}

	return h, EntityID(le.Uint32(p)), nil
}

// EncodeLeave returns an explicit leave message
func EncodeLeave(peer PeerID, tick Tick) []byte {
	return AppendHeader(make([]byte, 0, HeaderSize), MsgLeave, peer, tick)
}
