package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"udpfileshare/internal/errors"
)

// FEC shards for the kcp sessions
const (
	dataShards   = 10
	parityShards = 3
)

// Stream is the stream-mode transport built on a kcp session. Messages are
// framed with a 4 byte big-endian length prefix. The listening side serves
// the first peer that connects.
type Stream struct {
	mu       sync.Mutex
	wmu      sync.Mutex
	listener *kcp.Listener
	sess     *kcp.UDPSession
	writer   *bufio.Writer
	window   int

	frames    chan []byte
	errc      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newStream(window int) *Stream {
	return &Stream{
		window: window,
		frames: make(chan []byte, 1024),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// ListenStream waits for one peer on addr
func ListenStream(addr string, window int) (*Stream, error) {
	lis, err := kcp.ListenWithOptions(addr, nil, dataShards, parityShards)
	if err != nil {
		return nil, errors.NewNetworkError("listen", addr, err)
	}

	s := newStream(window)
	s.listener = lis
	go s.acceptLoop()

	slog.Debug("Stream transport listening", "address", lis.Addr().String())
	return s, nil
}

// DialStream connects to a listening peer
func DialStream(addr string, window int) (*Stream, error) {
	sess, err := kcp.DialWithOptions(addr, nil, dataShards, parityShards)
	if err != nil {
		return nil, errors.NewNetworkError("dial", addr, err)
	}

	s := newStream(window)
	s.attach(sess)
	return s, nil
}

func (s *Stream) acceptLoop() {
	sess, err := s.listener.AcceptKCP()
	if err != nil {
		s.fail(err)
		return
	}
	slog.Debug("Stream peer connected", "peer", sess.RemoteAddr().String())
	s.attach(sess)
}

func (s *Stream) attach(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetWindowSize(s.window*4, s.window*4)
	sess.SetNoDelay(1, 20, 2, 1)
	sess.SetACKNoDelay(true)

	s.mu.Lock()
	s.sess = sess
	s.writer = bufio.NewWriter(sess)
	s.mu.Unlock()

	go s.readLoop(sess)
}

func (s *Stream) readLoop(sess *kcp.UDPSession) {
	reader := bufio.NewReader(sess)
	var header [4]byte

	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			s.fail(err)
			return
		}
		n := binary.BigEndian.Uint32(header[:])
		if n > MaxMessageSize {
			s.fail(fmt.Errorf("frame of %d bytes exceeds %d", n, MaxMessageSize))
			return
		}

		frame := make([]byte, n)
		if _, err := io.ReadFull(reader, frame); err != nil {
			s.fail(err)
			return
		}

		select {
		case s.frames <- frame:
		case <-s.closed:
			return
		}
	}
}

func (s *Stream) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

// Send writes one framed message on the session
func (s *Stream) Send(addr net.Addr, b []byte) error {
	s.mu.Lock()
	sess, writer := s.sess, s.writer
	s.mu.Unlock()

	if sess == nil {
		return errors.NewNetworkError("send", addrString(addr), fmt.Errorf("no peer connected"))
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(b)))
	if _, err := writer.Write(header[:]); err != nil {
		return errors.NewNetworkError("send", sess.RemoteAddr().String(), err)
	}
	if _, err := writer.Write(b); err != nil {
		return errors.NewNetworkError("send", sess.RemoteAddr().String(), err)
	}
	if err := writer.Flush(); err != nil {
		return errors.NewNetworkError("send", sess.RemoteAddr().String(), err)
	}
	return nil
}

// Receive waits for the next framed message
func (s *Stream) Receive(timeout time.Duration) (net.Addr, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return s.remoteAddr(), frame, nil
	case err := <-s.errc:
		return nil, nil, errors.NewNetworkError("receive", addrString(s.remoteAddr()), err)
	case <-s.closed:
		return nil, nil, errors.NewNetworkError("receive", "", net.ErrClosed)
	case <-timer.C:
		return nil, nil, errors.NewTimeoutError("receive", timeout)
	}
}

func (s *Stream) remoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess.RemoteAddr()
}

// LocalAddr returns the local address of the session or listener
func (s *Stream) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return s.sess.LocalAddr()
	}
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Close tears down the session and the listener
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		sess, lis := s.sess, s.listener
		s.mu.Unlock()

		if sess != nil {
			err = sess.Close()
		}
		if lis != nil {
			if lerr := lis.Close(); err == nil {
				err = lerr
			}
		}
	})
	return err
}
