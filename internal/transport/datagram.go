package transport

import (
	"log/slog"
	"net"
	"time"

	"udpfileshare/internal/errors"
	"udpfileshare/internal/network"
)

// Datagram is the UDP transport. Each Send is one datagram.
type Datagram struct {
	conn *net.UDPConn
	buf  []byte
}

// ListenDatagram binds a UDP socket on addr
func ListenDatagram(addr string, tos int) (*Datagram, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("resolve", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.NewNetworkError("listen", addr, err)
	}

	if err := network.OptimizeUDPConnection(conn, tos); err != nil {
		slog.Warn("Failed to optimize UDP socket", "error", err)
	}

	slog.Debug("Datagram transport bound", "address", conn.LocalAddr().String())
	return &Datagram{conn: conn, buf: make([]byte, MaxMessageSize)}, nil
}

// Send writes one datagram. A write that times out is reported as a
// TimeoutError so callers can retry it.
func (d *Datagram) Send(addr net.Addr, b []byte) error {
	if _, err := d.conn.WriteTo(b, addr); err != nil {
		if isTimeout(err) {
			return errors.NewTimeoutError("send", 0)
		}
		return errors.NewNetworkError("send", addrString(addr), err)
	}
	return nil
}

// Receive reads one datagram
func (d *Datagram) Receive(timeout time.Duration) (net.Addr, []byte, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, errors.NewNetworkError("set_deadline", d.conn.LocalAddr().String(), err)
	}

	n, addr, err := d.conn.ReadFrom(d.buf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil, errors.NewTimeoutError("receive", timeout)
		}
		return nil, nil, errors.NewNetworkError("receive", d.conn.LocalAddr().String(), err)
	}

	msg := make([]byte, n)
	copy(msg, d.buf[:n])
	return addr, msg, nil
}

// LocalAddr returns the bound address
func (d *Datagram) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Close releases the socket
func (d *Datagram) Close() error {
	return d.conn.Close()
}
