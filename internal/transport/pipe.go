package transport

import (
	"net"
	"sync"
	"time"

	"udpfileshare/internal/errors"
)

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// Pipe is one end of an in-memory transport. Like UDP it drops messages when
// the peer's queue is full and never reports loss to the sender.
type Pipe struct {
	addr pipeAddr
	in   chan []byte
	peer *Pipe

	mu   sync.Mutex
	drop func(b []byte) bool
	sent [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewPipe returns two connected ends
func NewPipe(a, b string) (*Pipe, *Pipe) {
	pa := &Pipe{addr: pipeAddr(a), in: make(chan []byte, 4096), closed: make(chan struct{})}
	pb := &Pipe{addr: pipeAddr(b), in: make(chan []byte, 4096), closed: make(chan struct{})}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

// SetDrop installs a hook consulted for every outgoing message. Messages
// for which it returns true are lost.
func (p *Pipe) SetDrop(fn func(b []byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = fn
}

// Sent returns a copy of every message passed to Send, dropped ones included
func (p *Pipe) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

// Send queues b for the peer
func (p *Pipe) Send(addr net.Addr, b []byte) error {
	select {
	case <-p.closed:
		return errors.NewNetworkError("send", addrString(addr), net.ErrClosed)
	default:
	}

	msg := make([]byte, len(b))
	copy(msg, b)

	p.mu.Lock()
	p.sent = append(p.sent, msg)
	dropped := p.drop != nil && p.drop(msg)
	p.mu.Unlock()

	if dropped {
		return nil
	}

	select {
	case p.peer.in <- msg:
	default:
	}
	return nil
}

// Receive waits for the next message from the peer
func (p *Pipe) Receive(timeout time.Duration) (net.Addr, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-p.in:
		return p.peer.addr, msg, nil
	case <-p.closed:
		return nil, nil, errors.NewNetworkError("receive", string(p.addr), net.ErrClosed)
	case <-timer.C:
		return nil, nil, errors.NewTimeoutError("receive", timeout)
	}
}

// LocalAddr returns the name of this end
func (p *Pipe) LocalAddr() net.Addr {
	return p.addr
}

// Close closes this end
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
