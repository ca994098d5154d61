package netsync

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// A Link is an established unreliable datagram channel to one peer
type Link interface {
	Send(b []byte) error

	// Recv blocks until a datagram arrives.
	// It returns an error wrapping net.ErrClosed once the link is gone.
	Recv() ([]byte, error)

	Close() error
}

// A ReliableLink can also deliver datagrams reliably.
// It is used for join and leave messages only.
type ReliableLink interface {
	Link
	SendReliable(b []byte) error
}

// A Datagram is a payload received from a peer
type Datagram struct {
	Peer PeerID
	Data []byte
}

// Transport multiplexes the links of all peers.
// Reader goroutines only queue what they receive;
// the queue is drained by Receive once per tick.
type Transport struct {
	mu      sync.RWMutex
	links   map[PeerID]Link
	pending map[Link]struct{}
	closed  bool

	inboxMu sync.Mutex
	inbox   []Datagram
	lost    []PeerID

	wg  sync.WaitGroup
	log *logrus.Entry
}

// NewTransport returns a Transport without links
func NewTransport(log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Transport{
		links:   make(map[PeerID]Link),
		pending: make(map[Link]struct{}),
		log:     log,
	}
}

// Attach starts receiving from the link of peer id
func (t *Transport) Attach(id PeerID, l Link) error {
	return t.attach(id, l, nil)
}

// attach queues first ahead of anything the reader receives
func (t *Transport) attach(id PeerID, l Link, first []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.links[id]; ok {
		return ErrPeerIDInUse
	}
	t.links[id] = l
	if first != nil {
		t.push(Datagram{Peer: id, Data: first})
	}

	t.wg.Add(1)
	go t.recvLoop(id, l)

	return nil
}

// Adopt accepts a link whose peer is not known yet.
// The first datagram must be a valid join; its header names the peer.
func (t *Transport) Adopt(l Link) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		l.Close()
		return
	}
	t.pending[l] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		b, err := l.Recv()
		t.mu.Lock()
		delete(t.pending, l)
		t.mu.Unlock()
		if err != nil {
			l.Close()
			return
		}

		h, _, err := DecodeHeader(b)
		if err == nil && h.Type != MsgJoin {
			err = &DecodeError{Type: h.Type, Len: len(b), Reason: "expected join"}
		}
		if err != nil {
			t.log.WithError(err).Warn("rejecting link")
			l.Close()
			return
		}

		if err := t.attach(h.Peer, l, b); err != nil {
			t.log.WithError(err).WithField("peer", h.Peer).Warn("rejecting link")
			l.Close()
		}
	}()
}

func (t *Transport) recvLoop(id PeerID, l Link) {
	defer t.wg.Done()

	for {
		b, err := l.Recv()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.mu.Lock()
				current := t.links[id] == l
				if current {
					delete(t.links, id)
				}
				t.mu.Unlock()

				if current {
					t.inboxMu.Lock()
					t.lost = append(t.lost, id)
					t.inboxMu.Unlock()
				}
				return
			}

			t.log.WithError(err).WithField("peer", id).Warn("receive failed")
			continue
		}

		t.push(Datagram{Peer: id, Data: b})
	}
}

func (t *Transport) push(d Datagram) {
	t.inboxMu.Lock()
	t.inbox = append(t.inbox, d)
	t.inboxMu.Unlock()
}

// Receive returns the datagrams that arrived since the last call.
// It never blocks and makes no ordering or delivery guarantee.
func (t *Transport) Receive() []Datagram {
	t.inboxMu.Lock()
	defer t.inboxMu.Unlock()

	r := t.inbox
	t.inbox = nil
	return r
}

// Lost returns the peers whose links closed since the last call
func (t *Transport) Lost() []PeerID {
	t.inboxMu.Lock()
	defer t.inboxMu.Unlock()

	r := t.lost
	t.lost = nil
	return r
}

func (t *Transport) link(id PeerID) Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.links[id]
}

// Send hands b to the link of peer id without retrying
func (t *Transport) Send(id PeerID, b []byte) error {
	l := t.link(id)
	if l == nil {
		return &TransportError{Peer: id, Op: "send", Err: ErrUnknownPeer}
	}

	if err := l.Send(b); err != nil {
		return &TransportError{Peer: id, Op: "send", Err: err}
	}

	return nil
}

// SendReliable delivers b reliably if the link supports it
func (t *Transport) SendReliable(id PeerID, b []byte) error {
	l := t.link(id)
	if l == nil {
		return &TransportError{Peer: id, Op: "send", Err: ErrUnknownPeer}
	}

	rl, ok := l.(ReliableLink)
	if !ok {
		return t.Send(id, b)
	}

	if err := rl.SendReliable(b); err != nil {
		return &TransportError{Peer: id, Op: "send reliable", Err: err}
	}

	return nil
}

// A Flusher can wait for its reliable datagrams to be delivered
type Flusher interface {
	Flush(ctx context.Context) error
}

// Flush waits until the reliable datagrams sent to id were acknowledged,
// if its link supports that
func (t *Transport) Flush(ctx context.Context, id PeerID) error {
	if f, ok := t.link(id).(Flusher); ok {
		return f.Flush(ctx)
	}

	return nil
}

// Peers returns the ids of all attached links
func (t *Transport) Peers() []PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := make([]PeerID, 0, len(t.links))
	for id := range t.links {
		r = append(r, id)
	}
	return r
}

// Detach closes the link of peer id
func (t *Transport) Detach(id PeerID) {
	t.mu.Lock()
	l := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()

	if l != nil {
		l.Close()
	}
}

// Close detaches every link and waits for the readers to stop
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	for l := range t.pending {
		l.Close()
	}
	t.mu.Unlock()

	for _, id := range t.Peers() {
		t.Detach(id)
	}
	t.wg.Wait()

	return nil
}
