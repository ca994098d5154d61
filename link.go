package netsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/anon55555/mt/rudp"
)

// gameplay traffic uses channel 0, join and leave channel 1
const (
	chGameplay rudp.Channel = 0
	chControl  rudp.Channel = 1
)

// An RUDPLink carries datagrams over a low-level minetest connection.
// Gameplay datagrams are sent unreliable so the connection adds no retries.
type RUDPLink struct {
	*rudp.Conn

	mu  sync.Mutex
	ack <-chan struct{}
}

// NewRUDPLink wraps an established connection
func NewRUDPLink(c *rudp.Conn) *RUDPLink { return &RUDPLink{Conn: c} }

// Addr returns the remote address of the link
func (l *RUDPLink) Addr() net.Addr { return l.Conn.RemoteAddr() }

// Send sends b unreliably
func (l *RUDPLink) Send(b []byte) error {
	_, err := l.Conn.Send(rudp.Pkt{
		Reader:  bytes.NewReader(b),
		PktInfo: rudp.PktInfo{Channel: chGameplay, Unrel: true},
	})
	return err
}

// SendReliable sends b and lets the connection retransmit it until acked
func (l *RUDPLink) SendReliable(b []byte) error {
	ack, err := l.Conn.Send(rudp.Pkt{
		Reader:  bytes.NewReader(b),
		PktInfo: rudp.PktInfo{Channel: chControl},
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ack = ack
	l.mu.Unlock()

	return nil
}

// Flush waits until the last reliable datagram was acknowledged.
// The control channel is ordered so earlier ones were delivered as well.
func (l *RUDPLink) Flush(ctx context.Context) error {
	l.mu.Lock()
	ack := l.ack
	l.mu.Unlock()

	if ack == nil {
		return nil
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next datagram
func (l *RUDPLink) Recv() ([]byte, error) {
	pkt, err := l.Conn.Recv()
	if err != nil {
		return nil, err
	}

	return io.ReadAll(pkt)
}

// DialRUDP connects to the peer listening on addr.
// The connection is only established from the remote side once
// the first datagram was sent.
func DialRUDP(ctx context.Context, addr string) (*RUDPLink, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return NewRUDPLink(rudp.Connect(conn)), nil
}
