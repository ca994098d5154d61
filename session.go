package netsync

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Sessions tracks the connected peers and drives their state machine:
// Connecting -> Active <-> Stale -> Disconnected
type Sessions struct {
	heartbeat int32
	hard      int32

	peers map[PeerID]*PeerSession

	joined []func(PeerID)
	left   []func(PeerID, LeaveReason)

	log *logrus.Entry
}

// NewSessions returns an empty peer table
func NewSessions(cfg SessionConfig, tickDuration time.Duration, log *logrus.Entry) *Sessions {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Sessions{
		heartbeat: ticks(cfg.HeartbeatTimeout, tickDuration),
		hard:      ticks(cfg.HardTimeout, tickDuration),
		peers:     make(map[PeerID]*PeerSession),
		log:       log,
	}
}

// OnPeerJoined registers a function called when a peer becomes Active
// for the first time
func (s *Sessions) OnPeerJoined(fn func(PeerID)) {
	s.joined = append(s.joined, fn)
}

// OnPeerLeft registers a function called when a peer is Disconnected
func (s *Sessions) OnPeerLeft(fn func(PeerID, LeaveReason)) {
	s.left = append(s.left, fn)
}

// Add creates a Connecting session.
// Ids are never reused while their peer is connected.
func (s *Sessions) Add(id PeerID, tick Tick) error {
	if _, ok := s.peers[id]; ok {
		return ErrPeerIDInUse
	}

	s.peers[id] = &PeerSession{ID: id, State: StateConnecting, LastHeartbeat: tick}
	s.log.WithField("peer", id).Debug("session connecting")

	return nil
}

// Get returns a copy of the session of a peer
func (s *Sessions) Get(id PeerID) (PeerSession, bool) {
	if p, ok := s.peers[id]; ok {
		return *p, true
	}

	return PeerSession{ID: id, State: StateDisconnected}, false
}

// Len returns the number of tracked peers
func (s *Sessions) Len() int { return len(s.peers) }

// Peers returns copies of all sessions ordered by id
func (s *Sessions) Peers() []PeerSession {
	r := make([]PeerSession, 0, len(s.peers))
	for _, p := range s.peers {
		r = append(r, *p)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })

	return r
}

// Connected returns the ids of peers that receive gameplay traffic
func (s *Sessions) Connected() []PeerID {
	var r []PeerID
	for _, p := range s.Peers() {
		if p.Connected() {
			r = append(r, p.ID)
		}
	}

	return r
}

// SetAvatar records the entity a peer announced in its join
func (s *Sessions) SetAvatar(id PeerID, avatar EntityID) {
	if p, ok := s.peers[id]; ok {
		p.Avatar = avatar
		p.HasAvatar = true
	}
}

func (s *Sessions) setState(p *PeerSession, st PeerState) {
	s.log.WithFields(logrus.Fields{
		"peer": p.ID,
		"from": p.State,
		"to":   st,
	}).Info("peer state changed")

	p.State = st
}

// Touch records valid traffic from a peer at tick.
// It reports whether the peer just became Active for the first time.
func (s *Sessions) Touch(id PeerID, tick Tick) bool {
	p, ok := s.peers[id]
	if !ok {
		return false
	}

	if tick.After(p.LastHeartbeat) {
		p.LastHeartbeat = tick
	}

	switch p.State {
	case StateConnecting:
		s.setState(p, StateActive)
		for _, fn := range s.joined {
			fn(id)
		}
		return true
	case StateStale:
		if !p.clockStale {
			s.setState(p, StateActive)
		}
	}

	return false
}

// Update stores fresh clock estimates of a peer.
// A peer that was Stale for lack of pongs becomes Active again.
func (s *Sessions) Update(id PeerID, rtt time.Duration, offset int32) {
	p, ok := s.peers[id]
	if !ok {
		return
	}

	p.EstimatedRTT = rtt
	p.ClockOffset = offset
	p.clockStale = false
}

// Leave disconnects a peer. Its session is destroyed after the
// observers ran.
func (s *Sessions) Leave(id PeerID, reason LeaveReason) bool {
	p, ok := s.peers[id]
	if !ok {
		return false
	}

	s.setState(p, StateDisconnected)
	delete(s.peers, id)

	s.log.WithFields(logrus.Fields{
		"peer":   id,
		"reason": reason,
	}).Info("peer disconnected")

	for _, fn := range s.left {
		fn(id, reason)
	}

	return true
}

// Check applies the liveness rules at tick.
// clockStale reports peers that missed their pong window.
// It returns the peers that timed out.
func (s *Sessions) Check(tick Tick, clockStale func(PeerID) bool) []PeerID {
	var timedOut []PeerID
	for _, p := range s.Peers() {
		sp := s.peers[p.ID]
		silent := tick.Sub(sp.LastHeartbeat)

		if silent > s.hard {
			timedOut = append(timedOut, sp.ID)
			continue
		}
		if sp.State == StateConnecting {
			continue
		}

		sp.clockStale = clockStale != nil && clockStale(sp.ID)
		missed := silent > s.heartbeat || sp.clockStale

		switch {
		case sp.State == StateActive && missed:
			s.setState(sp, StateStale)
		case sp.State == StateStale && !missed:
			s.setState(sp, StateActive)
		}
	}

	for _, id := range timedOut {
		s.Leave(id, LeaveTimeout)
	}

	return timedOut
}
