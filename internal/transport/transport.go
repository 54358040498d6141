// Package transport carries protocol messages between peers. The protocol
// assumes nothing about ordering or delivery from it.
package transport

import (
	stderrors "errors"
	"net"
	"os"
	"time"

	"udpfileshare/internal/config"
	"udpfileshare/internal/errors"
)

// MaxMessageSize bounds every message a transport will deliver
const MaxMessageSize = 64 * 1024

// Transport sends and receives whole messages
type Transport interface {
	// Send delivers b to addr. Stream transports ignore addr.
	Send(addr net.Addr, b []byte) error
	// Receive waits at most timeout for the next message. It returns a
	// TimeoutError when nothing arrived.
	Receive(timeout time.Duration) (net.Addr, []byte, error)
	LocalAddr() net.Addr
	Close() error
}

// Open creates the transport selected by cfg. In stream mode the sender
// listens and the receiver dials the sender.
func Open(cfg *config.Config) (Transport, error) {
	switch cfg.Transport {
	case config.TransportKCP:
		if cfg.IsSender {
			return ListenStream(cfg.ListenAddress, cfg.WindowSize)
		}
		return DialStream(cfg.PeerAddress, cfg.WindowSize)
	case config.TransportUDP:
		return ListenDatagram(cfg.ListenAddress, cfg.TOS)
	default:
		return nil, errors.NewValidationError("transport", cfg.Transport, "unknown transport")
	}
}

// ResolvePeer resolves the sender address a receiver talks to
func ResolvePeer(addr string) (net.Addr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("resolve", addr, err)
	}
	return udpAddr, nil
}

func isTimeout(err error) bool {
	if stderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
