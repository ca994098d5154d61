package netsync

import (
	"net"

	"github.com/anon55555/mt/rudp"
)

// A Listener accepts links from peers dialing in
type Listener struct {
	*rudp.Listener
}

// Listen accepts links on conn
func Listen(conn net.PacketConn) *Listener {
	return &Listener{Listener: rudp.Listen(conn)}
}

// Accept waits for and returns a connecting link.
// You should keep calling this until it returns net.ErrClosed
// so it doesn't leak a goroutine.
func (l *Listener) Accept() (*RUDPLink, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	return NewRUDPLink(c), nil
}
