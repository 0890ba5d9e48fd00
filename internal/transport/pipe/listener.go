// Package pipe provides a net.Listener with no network presence.
// Connections exist only in memory: Dial hands one end of a net.Pipe
// pair to the caller and queues the other end for Accept. Tests run
// the HTTP server against it without binding a TCP port.
package pipe

import (
	"net"
	"sync"
)

// Listener queues in-memory connections for a server's accept loop.
// Only code holding the Listener can reach the server, so nothing
// leaks onto the host network.
type Listener struct {
	accepted  chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewListener returns a ready Listener.
func NewListener() *Listener {
	return &Listener{
		accepted: make(chan net.Conn),
		done:     make(chan struct{}),
	}
}

// Accept blocks until Dial produces a connection or the listener is
// closed, in which case it returns net.ErrClosed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.accepted:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close releases every blocked Accept and Dial. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// Addr returns a synthetic in-memory address.
func (l *Listener) Addr() net.Addr { return pipeAddr{} }

// Dial builds a net.Pipe pair, queues the server end for Accept, and
// returns the client end. After Close both ends are discarded and
// net.ErrClosed is returned.
func (l *Listener) Dial() (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case l.accepted <- server:
		return client, nil
	case <-l.done:
		server.Close()
		client.Close()
		return nil, net.ErrClosed
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
