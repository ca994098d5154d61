package netsync

import (
	"time"

	"golang.org/x/time/rate"
)

type cmdAck struct {
	tick Tick
	ok   bool
}

// A CommandBuffer keeps the last Capacity InputCommands of one locally
// owned entity, keyed by tick. The oldest command is evicted first.
type CommandBuffer struct {
	ring []InputCommand
	head int
	n    int

	acks     map[PeerID]cmdAck
	limiters map[PeerID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewCommandBuffer returns an empty buffer configured by cfg
func NewCommandBuffer(cfg CommandConfig) *CommandBuffer {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultConfig().Commands.Capacity
	}

	return &CommandBuffer{
		ring:     make([]InputCommand, capacity),
		acks:     make(map[PeerID]cmdAck),
		limiters: make(map[PeerID]*rate.Limiter),
		limit:    rate.Limit(cfg.ResendRate),
		burst:    cfg.ResendBurst,
	}
}

// Cap returns the ring capacity
func (b *CommandBuffer) Cap() int { return len(b.ring) }

// Len returns the number of buffered commands
func (b *CommandBuffer) Len() int { return b.n }

func (b *CommandBuffer) index(i int) int {
	return (b.head - b.n + i + len(b.ring)) % len(b.ring)
}

// Oldest returns the oldest buffered command
func (b *CommandBuffer) Oldest() (InputCommand, bool) {
	if b.n == 0 {
		return InputCommand{}, false
	}

	return b.ring[b.index(0)], true
}

// Newest returns the most recently pushed command
func (b *CommandBuffer) Newest() (InputCommand, bool) {
	if b.n == 0 {
		return InputCommand{}, false
	}

	return b.ring[b.index(b.n-1)], true
}

// Push appends cmd. Its tick must be later than the newest buffered one.
func (b *CommandBuffer) Push(cmd InputCommand) error {
	if last, ok := b.Newest(); ok && !cmd.Tick.After(last.Tick) {
		return ErrStalePacket
	}

	b.ring[b.head] = cmd
	b.head = (b.head + 1) % len(b.ring)
	if b.n < len(b.ring) {
		b.n++
	}

	return nil
}

// At returns the command recorded for tick
func (b *CommandBuffer) At(tick Tick) (InputCommand, bool) {
	for i := 0; i < b.n; i++ {
		if c := b.ring[b.index(i)]; c.Tick == tick {
			return c, true
		}
	}

	return InputCommand{}, false
}

// CommandsSince returns the buffered commands at or after tick, oldest first.
// It reports false if tick precedes the oldest buffered command,
// in which case the caller has to fall back to a full snapshot.
func (b *CommandBuffer) CommandsSince(tick Tick) ([]InputCommand, bool) {
	oldest, ok := b.Oldest()
	if !ok {
		return nil, true
	}
	if oldest.Tick.After(tick) {
		return nil, false
	}

	var r []InputCommand
	for i := 0; i < b.n; i++ {
		if c := b.ring[b.index(i)]; !tick.After(c.Tick) {
			r = append(r, c)
		}
	}

	return r, true
}

// Ack records that peer has applied every command up to tick
func (b *CommandBuffer) Ack(peer PeerID, tick Tick) {
	if a, ok := b.acks[peer]; ok && !tick.After(a.tick) {
		return
	}

	b.acks[peer] = cmdAck{tick: tick, ok: true}
}

// Acked returns the acknowledgement watermark of peer
func (b *CommandBuffer) Acked(peer PeerID) (Tick, bool) {
	a := b.acks[peer]
	return a.tick, a.ok
}

// Unacked returns the commands peer has not acknowledged yet.
// It reports false if some of them were already evicted.
func (b *CommandBuffer) Unacked(peer PeerID) ([]InputCommand, bool) {
	a, ok := b.acks[peer]
	if !ok {
		oldest, ok := b.Oldest()
		if !ok {
			return nil, true
		}
		return b.CommandsSince(oldest.Tick)
	}

	return b.CommandsSince(a.tick + 1)
}

// Resend returns the newest unacknowledged commands up to tick last
// that peer may be sent again at now, bounded by the per-peer resend rate.
// Later commands are still in flight and cost no budget.
func (b *CommandBuffer) Resend(peer PeerID, last Tick, now time.Time) ([]InputCommand, bool) {
	cmds, ok := b.Unacked(peer)
	if !ok {
		return nil, false
	}
	for len(cmds) > 0 && cmds[len(cmds)-1].Tick.After(last) {
		cmds = cmds[:len(cmds)-1]
	}
	if len(cmds) == 0 {
		return nil, true
	}

	lim, found := b.limiters[peer]
	if !found {
		lim = rate.NewLimiter(b.limit, b.burst)
		b.limiters[peer] = lim
	}

	n := 0
	for n < len(cmds) && lim.AllowN(now, 1) {
		n++
	}

	return cmds[len(cmds)-n:], true
}

// Forget drops the acknowledgement state of peer
func (b *CommandBuffer) Forget(peer PeerID) {
	delete(b.acks, peer)
	delete(b.limiters, peer)
}
