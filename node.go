package netsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// leaveGrace bounds how long Close waits for peers to acknowledge the leave
const leaveGrace = time.Second

// An InputSource samples local player input once per tick
type InputSource interface {
	Sample(tick Tick) InputCommand
}

// InputFunc adapts a function to InputSource
type InputFunc func(Tick) InputCommand

func (f InputFunc) Sample(tick Tick) InputCommand { return f(tick) }

// Stats are diagnostic counters of a Node
type Stats struct {
	Malformed       uint64
	Stale           uint64
	TransportErrors uint64
	Resent          uint64
	Resyncs         uint64

	// Uptime is the time since the node was created
	Uptime time.Duration
}

type counters struct {
	malformed       atomic.Uint64
	stale           atomic.Uint64
	transportErrors atomic.Uint64
	resent          atomic.Uint64
	resyncs         atomic.Uint64
}

// An Option configures a Node
type Option func(*nodeOptions)

type nodeOptions struct {
	now    func() time.Time
	sim    Simulator
	logger *logrus.Logger
}

// WithTimeSource replaces time.Now, e.g. for deterministic tests
func WithTimeSource(now func() time.Time) Option {
	return func(o *nodeOptions) { o.now = now }
}

// WithSimulator replaces the default movement model
func WithSimulator(sim Simulator) Option {
	return func(o *nodeOptions) { o.sim = sim }
}

// WithLogger logs through l instead of the standard logrus logger
func WithLogger(l *logrus.Logger) Option {
	return func(o *nodeOptions) { o.logger = l }
}

// A Node runs the synchronization core of one peer.
// Everything but Dial, Accept, World, Peers and Stats must be called
// from the goroutine driving Step or Run.
type Node struct {
	cfg     Config
	id      PeerID
	tickDur time.Duration
	now     func() time.Time
	started time.Time

	transport *Transport
	clock     *Clock
	commands  *CommandBuffer
	engine    *Engine
	sessions  *Sessions

	tick       Tick
	greeted    map[PeerID]bool
	stalePongs uint64

	dialMu sync.Mutex
	dialed []PeerID

	view  atomic.Pointer[WorldView]
	peers atomic.Pointer[[]PeerSession]
	stats counters

	closed bool
	log    *logrus.Entry
}

// NewNode returns a Node for cfg.LocalPeer controlling the avatar spawned
// from spawn. spawn.Entity defaults to cfg.Avatar.
func NewNode(cfg Config, spawn EntitySnapshot, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := nodeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	log := sessionLog(o.logger, cfg.LocalPeer)
	tickDur := cfg.TickDuration()

	n := &Node{
		cfg:       cfg,
		id:        cfg.LocalPeer,
		tickDur:   tickDur,
		now:       o.now,
		started:   o.now(),
		transport: NewTransport(log.WithField("component", "transport")),
		clock:     NewClock(cfg.Clock, tickDur),
		commands:  NewCommandBuffer(cfg.Commands),
		engine:    NewEngine(cfg.LocalPeer, cfg.Replication, tickDur, o.sim, log.WithField("component", "replication")),
		sessions:  NewSessions(cfg.Session, tickDur, log.WithField("component", "session")),
		greeted:   make(map[PeerID]bool),
		log:       log,
	}

	if spawn.Entity == 0 {
		spawn.Entity = cfg.Avatar
	}
	if err := n.engine.SpawnLocal(spawn); err != nil {
		return nil, err
	}

	n.sessions.OnPeerLeft(n.forget)
	n.publish()

	return n, nil
}

// ID returns the local peer id
func (n *Node) ID() PeerID { return n.id }

// Tick returns the last simulated local tick
func (n *Node) Tick() Tick { return n.tick }

// Engine returns the replication engine of the node
func (n *Node) Engine() *Engine { return n.engine }

// Clock returns the clock synchronizer of the node
func (n *Node) Clock() *Clock { return n.clock }

// OnPeerJoined registers a function called when a peer becomes Active
func (n *Node) OnPeerJoined(fn func(PeerID)) { n.sessions.OnPeerJoined(fn) }

// OnPeerLeft registers a function called when a peer is Disconnected
func (n *Node) OnPeerLeft(fn func(PeerID, LeaveReason)) { n.sessions.OnPeerLeft(fn) }

// World returns the world as of the last tick boundary.
// It is safe to call from any goroutine.
func (n *Node) World() *WorldView { return n.view.Load() }

// Peers returns the sessions as of the last tick boundary
func (n *Node) Peers() []PeerSession {
	if p := n.peers.Load(); p != nil {
		return *p
	}

	return nil
}

// Stats returns the diagnostic counters
func (n *Node) Stats() Stats {
	return Stats{
		Malformed:       n.stats.malformed.Load(),
		Stale:           n.stats.stale.Load(),
		TransportErrors: n.stats.transportErrors.Load(),
		Resent:          n.stats.resent.Load(),
		Resyncs:         n.stats.resyncs.Load(),
		Uptime:          n.now().Sub(n.started),
	}
}

// Dial attaches the link to a known peer.
// The join handshake starts with the next tick.
func (n *Node) Dial(id PeerID, l Link) error {
	if id == n.id {
		return ErrPeerIDInUse
	}
	if err := n.transport.Attach(id, l); err != nil {
		return err
	}

	n.dialMu.Lock()
	n.dialed = append(n.dialed, id)
	n.dialMu.Unlock()

	return nil
}

// Accept adopts a link from a peer dialing in.
// The peer is identified by the join it has to send first.
func (n *Node) Accept(l Link) { n.transport.Adopt(l) }

func (n *Node) publish() {
	n.view.Store(n.engine.View())
	peers := n.sessions.Peers()
	n.peers.Store(&peers)
}

func (n *Node) send(id PeerID, b []byte) {
	if err := n.transport.Send(id, b); err != nil {
		n.stats.transportErrors.Add(1)
		n.log.WithError(err).Debug("send failed")
	}
}

func (n *Node) sendReliable(id PeerID, b []byte) {
	if err := n.transport.SendReliable(id, b); err != nil {
		n.stats.transportErrors.Add(1)
		n.log.WithError(err).Debug("send failed")
	}
}

func (n *Node) broadcast(b []byte) {
	for _, id := range n.sessions.Connected() {
		n.send(id, b)
	}
}

func (n *Node) greet(id PeerID) {
	avatar, _ := n.engine.Avatar(n.id)
	n.sendReliable(id, EncodeJoin(n.id, n.tick, avatar))
	n.greeted[id] = true
}

// sendLocalSnapshot sends the state of the local avatar to one peer
func (n *Node) sendLocalSnapshot(id PeerID) {
	if s, ok := n.engine.LocalSnapshot(); ok {
		n.send(id, EncodeSnapshot(n.id, s))
	}
}

// forget cancels everything pending for a disconnected peer
func (n *Node) forget(id PeerID, reason LeaveReason) {
	removed := n.engine.RemoveOwner(id)
	n.transport.Detach(id)
	n.clock.Remove(id)
	n.commands.Forget(id)
	delete(n.greeted, id)

	n.log.WithFields(logrus.Fields{
		"peer":     id,
		"reason":   reason,
		"entities": len(removed),
	}).Info("peer removed")
}

func (n *Node) openDialed(now time.Time) {
	n.dialMu.Lock()
	dialed := n.dialed
	n.dialed = nil
	n.dialMu.Unlock()

	for _, id := range dialed {
		if err := n.sessions.Add(id, n.tick); err != nil {
			n.log.WithError(err).WithField("peer", id).Warn("dial rejected")
			continue
		}
		n.clock.Add(id, now)
		n.greet(id)
	}
}

func (n *Node) malformed(d Datagram, err error) {
	n.stats.malformed.Add(1)
	n.log.WithError(err).WithField("peer", d.Peer).Debug("dropping packet")
}

func (n *Node) handle(d Datagram, now time.Time) {
	h, _, err := DecodeHeader(d.Data)
	if err != nil {
		n.malformed(d, err)
		return
	}
	if h.Peer != d.Peer {
		n.malformed(d, &DecodeError{Type: h.Type, Len: len(d.Data), Reason: "peer id mismatch"})
		return
	}

	if _, ok := n.sessions.Get(d.Peer); !ok {
		if h.Type != MsgJoin {
			return
		}
		if err := n.sessions.Add(d.Peer, n.tick); err != nil {
			return
		}
		n.clock.Add(d.Peer, now)
	}

	if h.Type == MsgLeave {
		n.sessions.Leave(d.Peer, LeaveExplicit)
		return
	}

	switch h.Type {
	case MsgJoin:
		_, avatar, err := DecodeJoin(d.Data)
		if err != nil {
			n.malformed(d, err)
			return
		}
		if err := n.engine.Register(d.Peer, avatar); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"peer":   d.Peer,
				"entity": avatar,
			}).Warn("join rejected")
			n.sessions.Leave(d.Peer, LeaveRejected)
			return
		}
		n.sessions.SetAvatar(d.Peer, avatar)
		if !n.greeted[d.Peer] {
			n.greet(d.Peer)
		}
	case MsgPing:
		_, sent, err := DecodePing(d.Data)
		if err != nil {
			n.malformed(d, err)
			return
		}
		n.send(d.Peer, EncodePong(n.id, n.tick, Pong{
			Echo:        sent,
			LastCommand: n.engine.LastCommand(d.Peer),
		}))
	case MsgPong:
		_, pong, err := DecodePong(d.Data)
		if err != nil {
			n.malformed(d, err)
			return
		}
		if err := n.clock.OnPong(d.Peer, h.Tick, pong, n.tick, now); err != nil {
			if errors.Is(err, ErrStalePacket) {
				n.stalePongs++
			}
			break
		}
		n.sessions.Update(d.Peer, n.clock.RTT(d.Peer), n.clock.Offset(d.Peer))
		if pong.LastCommand != 0 {
			n.commands.Ack(d.Peer, pong.LastCommand)
		}
		n.resend(d.Peer, now)
	case MsgSnapshot:
		_, s, err := DecodeSnapshot(d.Data)
		if err != nil {
			n.malformed(d, err)
			return
		}
		switch err := n.engine.ApplySnapshot(d.Peer, s); {
		case errors.Is(err, ErrNotOwner):
			n.log.WithField("peer", d.Peer).WithField("entity", s.Entity).Warn("snapshot from non-owner")
			return
		case errors.Is(err, ErrUnknownEntity):
			n.log.WithField("peer", d.Peer).WithField("entity", s.Entity).Debug("snapshot before join")
		}
	case MsgCommand:
		_, c, err := DecodeCommand(d.Data)
		if err != nil {
			n.malformed(d, err)
			return
		}
		if err := n.engine.ApplyCommand(d.Peer, c); errors.Is(err, ErrNotOwner) {
			return
		}
	}

	if n.sessions.Touch(d.Peer, n.tick) {
		n.resync(d.Peer)
	}
}

// resync sends a freshly joined peer the full local state right away
// instead of letting it wait for the next broadcast
func (n *Node) resync(id PeerID) {
	n.stats.resyncs.Add(1)
	n.sendLocalSnapshot(id)
}

// resend repeats commands the peer has not acknowledged after loss.
// Evicted commands are replaced by a full snapshot.
func (n *Node) resend(id PeerID, now time.Time) {
	inFlight := Tick(n.clock.RTT(id)/n.tickDur) + 1

	cmds, ok := n.commands.Resend(id, n.tick-inFlight-1, now)
	if !ok {
		n.sendLocalSnapshot(id)
		return
	}

	for _, c := range cmds {
		n.send(id, EncodeCommand(n.id, c))
		n.stats.resent.Add(1)
	}
}

// Step runs one tick: inbound traffic is reconciled, the local avatar
// advances by input and the results are sent to every peer
func (n *Node) Step(input InputCommand) error {
	if n.closed {
		return ErrClosed
	}

	n.tick++
	now := n.now()

	n.engine.Advance(n.tick)
	n.openDialed(now)

	for _, id := range n.transport.Lost() {
		n.sessions.Leave(id, LeaveTransport)
	}
	for _, d := range n.transport.Receive() {
		n.handle(d, now)
	}
	n.sessions.Check(n.tick, func(id PeerID) bool { return n.clock.Stale(id, now) })

	input.Tick = n.tick
	if err := n.commands.Push(input); err != nil {
		return err
	}
	if _, err := n.engine.SimulateLocal(input); err != nil {
		return err
	}
	n.broadcast(EncodeCommand(n.id, input))

	if int(n.tick)%n.cfg.Replication.SnapshotInterval == 0 {
		if s, ok := n.engine.LocalSnapshot(); ok {
			n.broadcast(EncodeSnapshot(n.id, s))
		}
	}

	for _, id := range n.clock.DuePings(n.tick, now) {
		n.send(id, EncodePing(n.id, n.tick))
	}

	n.stats.stale.Store(n.engine.StalePackets() + n.stalePongs)
	n.publish()

	return nil
}

// Run steps the node at the configured tick rate until ctx is done
func (n *Node) Run(ctx context.Context, in InputSource) error {
	ticker := time.NewTicker(n.tickDur)
	defer ticker.Stop()

	n.log.WithField("tick_rate", n.cfg.TickRate).Info("simulation started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.Step(in.Sample(n.tick + 1)); err != nil {
				return err
			}
		}
	}
}

// Close tells every peer the local player is leaving
// and releases all links
func (n *Node) Close() error {
	if n.closed {
		return ErrClosed
	}
	n.closed = true

	peers := n.sessions.Peers()
	leave := EncodeLeave(n.id, n.tick)
	for _, p := range peers {
		n.sendReliable(p.ID, leave)
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveGrace)
	defer cancel()
	for _, p := range peers {
		if err := n.transport.Flush(ctx, p.ID); err != nil {
			n.log.WithError(err).WithField("peer", p.ID).Debug("leave not acknowledged")
		}
		n.sessions.Leave(p.ID, LeaveShutdown)
	}
	n.publish()

	return n.transport.Close()
}
