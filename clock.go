package netsync

import (
	"math"
	"time"
)

// ClockFilter smooths the round-trip time and tick offset of one peer
// with an exponentially weighted moving average
type ClockFilter struct {
	Alpha float64

	rtt     float64 // nanoseconds
	offset  float64 // remote minus local, in ticks
	samples int
}

// Sample feeds one measurement; the first one seeds the averages
func (f *ClockFilter) Sample(rtt time.Duration, offset float64) {
	if f.samples == 0 {
		f.rtt = float64(rtt)
		f.offset = offset
	} else {
		f.rtt += f.Alpha * (float64(rtt) - f.rtt)
		f.offset += f.Alpha * (offset - f.offset)
	}
	f.samples++
}

// RTT returns the smoothed round-trip time
func (f *ClockFilter) RTT() time.Duration { return time.Duration(f.rtt) }

// Offset returns the smoothed offset in ticks
func (f *ClockFilter) Offset() float64 { return f.offset }

// Samples reports how many pongs were folded into the filter
func (f *ClockFilter) Samples() int { return f.samples }

type peerClock struct {
	filter   ClockFilter
	pending  map[Tick]time.Time
	pinged   bool
	lastPing Tick
	lastPong time.Time
}

// A Clock estimates latency and clock offset to every peer
// by periodic ping/pong exchange
type Clock struct {
	TickDuration time.Duration
	PingInterval Tick
	PongTimeout  time.Duration
	Alpha        float64

	peers map[PeerID]*peerClock
}

// NewClock returns a Clock configured by cfg
func NewClock(cfg ClockConfig, tickDuration time.Duration) *Clock {
	return &Clock{
		TickDuration: tickDuration,
		PingInterval: Tick(cfg.PingInterval),
		PongTimeout:  cfg.PongTimeout,
		Alpha:        cfg.Smoothing,
		peers:        make(map[PeerID]*peerClock),
	}
}

// Add starts tracking a peer. The pong timeout counts from now.
func (c *Clock) Add(id PeerID, now time.Time) {
	if _, ok := c.peers[id]; ok {
		return
	}

	c.peers[id] = &peerClock{
		filter:   ClockFilter{Alpha: c.Alpha},
		pending:  make(map[Tick]time.Time),
		lastPong: now,
	}
}

// Remove forgets a peer
func (c *Clock) Remove(id PeerID) { delete(c.peers, id) }

// DuePings returns the peers that should be pinged at tick
// and records the pings as outstanding
func (c *Clock) DuePings(tick Tick, now time.Time) []PeerID {
	var r []PeerID
	for id, pc := range c.peers {
		if pc.pinged && tick.Sub(pc.lastPing) < int32(c.PingInterval) {
			continue
		}

		for t, sent := range pc.pending {
			if now.Sub(sent) > c.PongTimeout {
				delete(pc.pending, t)
			}
		}

		pc.pending[tick] = now
		pc.pinged = true
		pc.lastPing = tick
		r = append(r, id)
	}

	return r
}

// OnPong folds the answer to an outstanding ping into the peer's filter.
// remote is the header tick of the pong, local the tick it was received at.
func (c *Clock) OnPong(id PeerID, remote Tick, pong Pong, local Tick, now time.Time) error {
	pc, ok := c.peers[id]
	if !ok {
		return ErrUnknownPeer
	}

	sent, ok := pc.pending[pong.Echo]
	if !ok {
		return ErrStalePacket
	}
	delete(pc.pending, pong.Echo)

	rtt := now.Sub(sent)
	if rtt < 0 {
		rtt = 0
	}
	half := float64(rtt) / 2 / float64(c.TickDuration)
	offset := float64(remote.Sub(local)) + half

	pc.filter.Sample(rtt, offset)
	pc.lastPong = now

	return nil
}

// Stale reports whether no pong arrived from the peer within PongTimeout
func (c *Clock) Stale(id PeerID, now time.Time) bool {
	pc, ok := c.peers[id]
	if !ok {
		return false
	}

	return now.Sub(pc.lastPong) > c.PongTimeout
}

// RTT returns the smoothed round-trip time to a peer
func (c *Clock) RTT(id PeerID) time.Duration {
	if pc, ok := c.peers[id]; ok {
		return pc.filter.RTT()
	}

	return 0
}

// Offset returns the smoothed offset to a peer in whole ticks
func (c *Clock) Offset(id PeerID) int32 {
	if pc, ok := c.peers[id]; ok {
		return int32(math.Round(pc.filter.Offset()))
	}

	return 0
}

// ToLocalTick maps a tick of peer id onto the local timeline
func (c *Clock) ToLocalTick(id PeerID, remote Tick) Tick {
	return remote - Tick(c.Offset(id))
}

// ToRemoteTick maps a local tick onto the timeline of peer id
func (c *Clock) ToRemoteTick(id PeerID, local Tick) Tick {
	return local + Tick(c.Offset(id))
}
