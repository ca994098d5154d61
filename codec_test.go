package netsync

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func testSnapshot() EntitySnapshot {
	return EntitySnapshot{
		Entity:      7,
		Tick:        1234,
		Position:    mgl32.Vec3{1.5, -2, 300.25},
		Orientation: mgl32.QuatRotate(0.7, mgl32.Vec3{0, 1, 0}),
		Velocity:    mgl32.Vec3{0, 9.81, -4},
		Health:      87,
		Weapon:      WeaponState{Type: WeaponShotgun, Ammo: 6},
	}
}

func TestWireSizes(t *testing.T) {
	if HeaderSize != 10 {
		t.Fatalf("HeaderSize = %d, want 10", HeaderSize)
	}
	if SnapshotSize != 47 {
		t.Fatalf("SnapshotSize = %d, want 47", SnapshotSize)
	}
	if CommandSize != 17 {
		t.Fatalf("CommandSize = %d, want 17", CommandSize)
	}

	if n := len(EncodeSnapshot(1, testSnapshot())); n != HeaderSize+SnapshotSize {
		t.Fatalf("snapshot datagram is %d bytes, want %d", n, HeaderSize+SnapshotSize)
	}
	if n := len(EncodeCommand(1, InputCommand{})); n != HeaderSize+CommandSize {
		t.Fatalf("command datagram is %d bytes, want %d", n, HeaderSize+CommandSize)
	}
}

func TestHeaderLayout(t *testing.T) {
	b := EncodeLeave(0x01020304, 0x0a0b0c0d)
	want := []byte{ProtoVersion, byte(MsgLeave), 0x04, 0x03, 0x02, 0x01, 0x0d, 0x0c, 0x0b, 0x0a}
	if string(b) != string(want) {
		t.Fatalf("header = % x, want % x", b, want)
	}

	h, p, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.Type != MsgLeave || h.Peer != 0x01020304 || h.Tick != 0x0a0b0c0d || len(p) != 0 {
		t.Fatalf("decoded %+v with %d payload bytes", h, len(p))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := testSnapshot()

	h, got, err := DecodeSnapshot(EncodeSnapshot(3, s))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if h.Peer != 3 || h.Type != MsgSnapshot || h.Tick != s.Tick {
		t.Fatalf("header = %+v", h)
	}
	if got != s {
		t.Fatalf("snapshot = %+v, want %+v", got, s)
	}
}

func TestAppendSnapshotReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 128)
	out := AppendSnapshot(buf, 1, testSnapshot())
	if &out[0] != &buf[:1][0] {
		t.Fatal("AppendSnapshot allocated despite sufficient capacity")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	c := InputCommand{
		Tick:      99,
		Movement:  mgl32.Vec2{-1, 0.5},
		LookDelta: mgl32.Vec2{12, -3},
		Actions:   ActionFire | ActionJump,
	}

	h, got, err := DecodeCommand(EncodeCommand(4, c))
	if err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if h.Peer != 4 {
		t.Fatalf("peer = %d, want 4", h.Peer)
	}
	if got != c {
		t.Fatalf("command = %+v, want %+v", got, c)
	}
}

func TestControlRoundTrip(t *testing.T) {
	_, sent, err := DecodePing(EncodePing(1, 42))
	if err != nil || sent != 42 {
		t.Fatalf("ping = %d, %v", sent, err)
	}

	h, pong, err := DecodePong(EncodePong(2, 50, Pong{Echo: 42, LastCommand: 41}))
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if h.Tick != 50 || pong.Echo != 42 || pong.LastCommand != 41 {
		t.Fatalf("pong = %+v at %d", pong, h.Tick)
	}

	_, avatar, err := DecodeJoin(EncodeJoin(5, 1, 500))
	if err != nil || avatar != 500 {
		t.Fatalf("join = %d, %v", avatar, err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	full := EncodeSnapshot(1, testSnapshot())

	badVersion := append([]byte(nil), full...)
	badVersion[0] = 9

	badType := append([]byte(nil), full...)
	badType[1] = 42

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"short header", full[:5]},
		{"truncated payload", full[:10+10]},
		{"trailing bytes", append(append([]byte(nil), full...), 0)},
		{"bad version", badVersion},
		{"unknown type", badType},
		{"wrong type", EncodeCommand(1, InputCommand{})},
	}

	for _, tt := range tests {
		_, _, err := DecodeSnapshot(tt.b)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", tt.name, err)
		}

		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: err is %T, want *DecodeError", tt.name, err)
		}
	}
}

func TestDecodeTruncatedSnapshotReason(t *testing.T) {
	b := EncodeSnapshot(1, testSnapshot())[:HeaderSize+10]

	_, _, err := DecodeSnapshot(b)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Type != MsgSnapshot || de.Reason != "truncated payload" {
		t.Fatalf("err = %+v", de)
	}
}
