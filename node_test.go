package netsync

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"
)

type fakeTime struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.t
}

func (f *fakeTime) Add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func testNode(t *testing.T, id PeerID, clock *fakeTime) *Node {
	t.Helper()

	cfg := DefaultConfig()
	cfg.LocalPeer = id
	cfg.Avatar = EntityID(id) * 10

	n, err := NewNode(cfg, EntitySnapshot{Health: 100, Weapon: WeaponState{Type: WeaponRifle, Ammo: 30}},
		WithTimeSource(clock.Now), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	return n
}

func walk(tick Tick) InputCommand {
	return InputCommand{Tick: tick, Movement: mgl32.Vec2{0, 1}}
}

// stepUntil advances every node tick by tick until cond holds
func stepUntil(t *testing.T, what string, clock *fakeTime, nodes []*Node, cond func() bool) {
	t.Helper()

	for i := 0; i < 500; i++ {
		clock.Add(time.Second / 60)
		for _, n := range nodes {
			if err := n.Step(walk(0)); err != nil {
				t.Fatal(err)
			}
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func peerState(n *Node, id PeerID) PeerState {
	for _, p := range n.Peers() {
		if p.ID == id {
			return p.State
		}
	}

	return StateDisconnected
}

func TestNodesConnectAndReplicate(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	a := testNode(t, 1, clock)
	b := testNode(t, 2, clock)

	var joinedA, joinedB []PeerID
	a.OnPeerJoined(func(id PeerID) { joinedA = append(joinedA, id) })
	b.OnPeerJoined(func(id PeerID) { joinedB = append(joinedB, id) })

	la, lb := newPipe()
	if err := a.Dial(2, la); err != nil {
		t.Fatal(err)
	}
	b.Accept(lb)

	nodes := []*Node{a, b}
	stepUntil(t, "both peers active", clock, nodes, func() bool {
		return peerState(a, 2) == StateActive && peerState(b, 1) == StateActive
	})
	if len(joinedA) != 1 || joinedA[0] != 2 || len(joinedB) != 1 || joinedB[0] != 1 {
		t.Fatalf("joined a=%v b=%v", joinedA, joinedB)
	}

	stepUntil(t, "replicated avatars", clock, nodes, func() bool {
		va, okA := a.World().Get(20)
		vb, okB := b.World().Get(10)
		return okA && okB && va.LastApplied > 5 && vb.LastApplied > 5
	})

	v, _ := b.World().Get(10)
	if v.Local || v.Owner != 1 {
		t.Fatalf("b sees entity 10 as %+v", v)
	}
	if v.State.Position.Z() >= 0 {
		t.Fatalf("remote avatar did not move forward: %v", v.State.Position)
	}
	if s := b.Stats(); s.Malformed != 0 {
		t.Fatalf("malformed = %d", s.Malformed)
	}
	if s := a.Stats(); s.Resyncs != 1 {
		t.Fatalf("resyncs = %d, want 1", s.Resyncs)
	}

	stepUntil(t, "clock estimates", clock, nodes, func() bool {
		return a.Clock().RTT(2) > 0
	})

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Step(walk(0)); err != ErrClosed {
		t.Fatalf("step after close: err = %v", err)
	}
	stepUntil(t, "b to drop a", clock, []*Node{b}, func() bool {
		_, ok := b.World().Get(10)
		return !ok && peerState(b, 1) == StateDisconnected
	})
	b.Close()
}

// joinPeer makes n handle a join of peer id controlling avatar
func joinPeer(n *Node, id PeerID, avatar EntityID, now time.Time) {
	n.handle(Datagram{Peer: id, Data: EncodeJoin(id, 1, avatar)}, now)
}

func TestNodeDropsMalformed(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)
	now := clock.Now()

	joinPeer(n, 2, 20, now)
	n.handle(Datagram{Peer: 2, Data: EncodeSnapshot(2, moving(5, 3))}, now)

	before, ok := n.Engine().View().Get(20)
	if !ok {
		t.Fatal("snapshot not applied")
	}

	bad := append(AppendHeader(nil, MsgSnapshot, 2, 6), make([]byte, 10)...)
	n.handle(Datagram{Peer: 2, Data: bad}, now)

	spoofed := EncodeSnapshot(3, moving(7, 9))
	n.handle(Datagram{Peer: 2, Data: spoofed}, now)

	after, _ := n.Engine().View().Get(20)
	if before != after {
		t.Fatalf("malformed packets changed state: %+v -> %+v", before, after)
	}
	if s := n.Stats(); s.Malformed != 2 {
		t.Fatalf("malformed = %d, want 2", s.Malformed)
	}
}

func TestNodeIgnoresUnknownPeers(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)

	n.handle(Datagram{Peer: 4, Data: EncodeSnapshot(4, moving(5, 3))}, clock.Now())
	if _, ok := n.Engine().View().Get(remoteEntity); ok {
		t.Fatal("snapshot from a peer that never joined was applied")
	}
	if len(n.sessions.Peers()) != 0 {
		t.Fatal("session created without join")
	}

	shortJoin := EncodeJoin(4, 1, 40)[:HeaderSize+2]
	n.handle(Datagram{Peer: 4, Data: shortJoin}, clock.Now())
	if len(n.sessions.Peers()) != 0 {
		t.Fatal("session created from a truncated join")
	}
	if s := n.Stats(); s.Malformed != 1 {
		t.Fatalf("malformed = %d, want 1", s.Malformed)
	}
}

func TestNodePeerTimeout(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)

	var left []leaveEvent
	n.OnPeerLeft(func(id PeerID, r LeaveReason) { left = append(left, leaveEvent{id, r}) })

	joinPeer(n, 2, 20, clock.Now())
	n.handle(Datagram{Peer: 2, Data: EncodeSnapshot(2, moving(5, 3))}, clock.Now())

	for i := 0; i < 600; i++ {
		clock.Add(time.Second / 60)
		n.Step(walk(0))
	}

	if st := peerState(n, 2); st != StateStale {
		t.Fatalf("state after 10s = %s, want stale", st)
	}
	v, ok := n.World().Get(20)
	if !ok || !v.Flags.Has(FlagOrphaned) {
		t.Fatalf("entity after 10s = %+v, %v, want orphaned", v, ok)
	}

	clock.Add(time.Second / 60)
	n.Step(walk(0))

	if _, ok := n.World().Get(20); ok {
		t.Fatal("entity of timed out peer still present")
	}
	if len(left) != 1 || left[0] != (leaveEvent{2, LeaveTimeout}) {
		t.Fatalf("left = %v", left)
	}
}

func TestNodeExplicitLeave(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)

	var left []leaveEvent
	n.OnPeerLeft(func(id PeerID, r LeaveReason) { left = append(left, leaveEvent{id, r}) })

	joinPeer(n, 2, 20, clock.Now())
	n.handle(Datagram{Peer: 2, Data: EncodeSnapshot(2, moving(5, 3))}, clock.Now())
	n.handle(Datagram{Peer: 2, Data: EncodeLeave(2, 6)}, clock.Now())

	if len(left) != 1 || left[0] != (leaveEvent{2, LeaveExplicit}) {
		t.Fatalf("left = %v", left)
	}
	if _, ok := n.Engine().View().Get(20); ok {
		t.Fatal("entity survived leave")
	}

	// the peer may join again with the same id
	joinPeer(n, 2, 20, clock.Now())
	if len(n.sessions.Peers()) != 1 {
		t.Fatal("rejoin failed")
	}
}

func TestNodeRejectsTakenAvatar(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)

	var left []leaveEvent
	n.OnPeerLeft(func(id PeerID, r LeaveReason) { left = append(left, leaveEvent{id, r}) })

	joinPeer(n, 2, 20, clock.Now())
	joinPeer(n, 3, 20, clock.Now())

	if len(left) != 1 || left[0] != (leaveEvent{3, LeaveRejected}) {
		t.Fatalf("left = %v", left)
	}
	if st := n.sessions.Peers(); len(st) != 1 || st[0].ID != 2 {
		t.Fatalf("sessions = %+v", st)
	}
	if v, _ := n.Engine().View().Get(20); v.Owner != 2 {
		t.Fatalf("owner of 20 = %d, want 2", v.Owner)
	}
}

func TestNodeResyncOnJoin(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)

	local, remote := newPipe()
	if err := n.transport.Attach(2, local); err != nil {
		t.Fatal(err)
	}
	joinPeer(n, 2, 20, clock.Now())

	b, err := remote.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if h, avatar, err := DecodeJoin(b); err != nil || h.Peer != 1 || avatar != 10 {
		t.Fatalf("greeting = %+v, %d, %v", h, avatar, err)
	}

	b, _ = remote.Recv()
	_, s, err := DecodeSnapshot(b)
	if err != nil || s.Entity != 10 || s.Health != 100 {
		t.Fatalf("resync = %+v, %v", s, err)
	}
	if st := n.Stats(); st.Resyncs != 1 {
		t.Fatalf("resyncs = %d", st.Resyncs)
	}
}

func TestNodeResendsUnackedCommands(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)

	local, _ := newPipe()
	n.transport.Attach(2, local)
	joinPeer(n, 2, 20, clock.Now())

	var pinged time.Time
	for i := 0; i < 10; i++ {
		clock.Add(time.Second / 60)
		if i == 0 {
			pinged = clock.Now()
		}
		n.Step(walk(0))
	}

	// the ping of tick 1 is answered instantly, acking up to tick 3
	pong := EncodePong(2, 50, Pong{Echo: 1, LastCommand: 3})
	n.handle(Datagram{Peer: 2, Data: pong}, pinged)

	if tick, ok := n.commands.Acked(2); !ok || tick != 3 {
		t.Fatalf("acked = %d, %v", tick, ok)
	}
	// ticks 4 to 8 are resent, 9 and 10 may still be in flight
	if s := n.Stats(); s.Resent != 5 {
		t.Fatalf("resent = %d, want 5", s.Resent)
	}
}

func TestNodeResendsAtHighLatency(t *testing.T) {
	clock := &fakeTime{t: time.Unix(1000, 0)}
	n := testNode(t, 1, clock)

	local, _ := newPipe()
	n.transport.Attach(2, local)
	joinPeer(n, 2, 20, clock.Now())

	var pinged time.Time
	for i := 0; i < 40; i++ {
		clock.Add(time.Second / 60)
		if i == 0 {
			pinged = clock.Now()
		}
		n.Step(walk(0))
	}

	// 300ms round trip: ticks 21 to 40 may still be in flight, the
	// resend budget of 16 goes to ticks 5 to 20
	pong := EncodePong(2, 50, Pong{Echo: 1, LastCommand: 3})
	n.handle(Datagram{Peer: 2, Data: pong}, pinged.Add(300*time.Millisecond))

	if s := n.Stats(); s.Resent != 16 {
		t.Fatalf("resent = %d, want 16", s.Resent)
	}
}
