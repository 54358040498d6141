package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"udpfileshare/internal/errors"
	"udpfileshare/internal/logging"
	"udpfileshare/internal/network"
	"udpfileshare/internal/progress"
	"udpfileshare/internal/protocol"
	"udpfileshare/internal/transport"
	"udpfileshare/internal/window"
)

// Options tune a sender session
type Options struct {
	PacketCapacity int
	WindowSize     int
	MaxAttempts    int // consecutive timeouts tolerated, 0 for unbounded
	CloseAttempts  int
	RTT            *network.RTTEstimator
	Progress       *progress.Stats
}

// Result summarises a finished sender session
type Result struct {
	File             string
	Size             int64
	Peer             string
	DataPacketsSent  uint64
	Retransmissions  uint64
	SentinelsSent    int
	Successes        uint64
	Failures         uint64
	Timeouts         uint64
	BytesTransmitted uint64
	PeerStats        *protocol.Stats
	Duration         time.Duration
	Algorithm        string
	Digest           string
}

// Summary converts the result for the console report
func (r *Result) Summary(err error) progress.Summary {
	s := progress.Summary{
		Role:            "Sender",
		File:            r.File,
		Bytes:           r.Size,
		Packets:         r.DataPacketsSent,
		Retransmissions: r.Retransmissions,
		Failures:        r.Failures,
		Timeouts:        r.Timeouts,
		Duration:        r.Duration,
		Algorithm:       r.Algorithm,
		Digest:          r.Digest,
		Err:             err,
	}
	if r.PeerStats != nil {
		s.PeerBytes = r.PeerStats.BytesAccepted
		s.PacketsLost = r.PeerStats.PacketsLost
	}
	return s
}

// Session transfers one file to one receiver
type Session struct {
	tr     transport.Transport
	header protocol.FileHeader
	opts   Options

	win     *window.SendWindow
	rtt     *network.RTTEstimator
	peer    net.Addr
	sentAt  map[uint64]time.Time
	control bool // a control packet has been received
	misses  int  // consecutive timeouts
	started time.Time

	result Result
}

// NewSession prepares a session reading the file from src
func NewSession(tr transport.Transport, src io.Reader, header protocol.FileHeader, opts Options) (*Session, error) {
	win, err := window.NewSendWindow(src, opts.PacketCapacity, opts.WindowSize)
	if err != nil {
		return nil, err
	}
	if opts.CloseAttempts <= 0 {
		opts.CloseAttempts = 1
	}

	rtt := opts.RTT
	if rtt == nil {
		return nil, errors.NewValidationError("rtt", nil, "estimator is required")
	}

	return &Session{
		tr:     tr,
		header: header,
		opts:   opts,
		win:    win,
		rtt:    rtt,
		sentAt: make(map[uint64]time.Time),
		result: Result{File: header.Name, Size: header.Size},
	}, nil
}

// Run performs handshake, windowed transfer and the closing exchange
func (s *Session) Run(ctx context.Context) (*Result, error) {
	s.started = time.Now()
	defer func() { s.result.Duration = time.Since(s.started) }()

	err := s.run(ctx)
	s.collect()
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", errors.ErrCancelled, ctx.Err())
	}
	return &s.result, err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		return err
	}

	logging.LogSessionStart("SENDER", s.header.Size, s.opts.PacketCapacity, s.opts.WindowSize)

	if err := s.transfer(ctx); err != nil {
		return err
	}
	return s.close(ctx)
}

// handshake waits for the receiver's ready signal and answers with the header
func (s *Session) handshake(ctx context.Context) error {
	slog.Info("Waiting for receiver", "listen_address", s.tr.LocalAddr().String())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr, msg, err := s.tr.Receive(s.rtt.RTO())
		if err != nil {
			if errors.IsTimeout(err) {
				continue
			}
			return err
		}
		if !protocol.IsReady(msg) {
			slog.Debug("Ignoring datagram before handshake", "from", addr.String(), "size", len(msg))
			continue
		}

		s.peer = addr
		s.result.Peer = addr.String()
		slog.Info("Receiver connected", "peer", s.result.Peer)
		return s.sendHeader()
	}
}

func (s *Session) sendHeader() error {
	if err := s.tr.Send(s.peer, protocol.EncodeFileHeader(s.header)); err != nil {
		return err
	}
	slog.Debug("File header sent", "name", s.header.Name, "size", s.header.Size)
	return nil
}

// transfer runs the go-back-N loop until every packet is acknowledged
func (s *Session) transfer(ctx context.Context) error {
	if err := s.win.Fill(); err != nil {
		return err
	}

	deadline := time.Now().Add(s.rtt.RTO())
	for !s.win.Drained() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.transmit(); err != nil {
			return err
		}

		addr, msg, err := s.tr.Receive(time.Until(deadline))
		if err != nil {
			if !errors.IsTimeout(err) {
				return err
			}
			if err := s.onTimeout(); err != nil {
				return err
			}
			deadline = time.Now().Add(s.rtt.RTO())
			continue
		}
		if !s.fromPeer(addr) {
			continue
		}

		switch {
		case protocol.IsReady(msg):
			// The receiver is still waiting for the header
			if !s.control {
				slog.Debug("Receiver re-announced readiness, resending header")
				if err := s.sendHeader(); err != nil {
					return err
				}
			}

		case protocol.IsControl(msg):
			c, err := protocol.DecodeControl(msg)
			if err != nil {
				slog.Warn("Discarding malformed control packet", "error", err)
				continue
			}
			s.control = true
			if err := s.onControl(c); err != nil {
				return err
			}
			deadline = time.Now().Add(s.rtt.RTO())

		case len(msg) == protocol.StatsSize:
			stats, err := protocol.DecodeStats(msg)
			if err != nil {
				continue
			}
			s.result.PeerStats = &stats
			if int64(stats.BytesAccepted) == s.header.Size {
				acked := s.win.AcknowledgeAll()
				slog.Debug("Receiver reported completion while acknowledgments were outstanding",
					"acknowledged", len(acked))
				if err := s.win.Fill(); err != nil {
					return err
				}
				s.updateProgress()
			}
		}
	}

	logging.LogTransferComplete(s.header.Name, s.header.Size, time.Since(s.started))
	return nil
}

// transmit sends every Pending packet. A transport timeout only ends this
// round; the retransmission timer covers the packets left Pending.
func (s *Session) transmit() error {
	_, err := s.win.TransmitPending(func(o window.Outbound) error {
		if err := s.tr.Send(s.peer, o.Wire); err != nil {
			return err
		}
		if o.Attempt == 1 {
			s.sentAt[o.Index] = time.Now()
			logging.LogPacket("sent", o.Index)
		} else {
			delete(s.sentAt, o.Index)
			logging.LogPacket("resent", o.Index, "attempt", o.Attempt)
		}
		return nil
	})
	if err != nil && errors.IsTimeout(err) {
		slog.Warn("Send timed out, waiting for the retransmission timer", "error", err)
		return nil
	}
	return err
}

func (s *Session) onTimeout() error {
	s.misses++
	if s.opts.MaxAttempts > 0 && s.misses >= s.opts.MaxAttempts {
		return errors.NewProtocolError("transfer",
			fmt.Sprintf("no acknowledgment after %d consecutive timeouts", s.misses),
			errors.ErrRetryBudgetExhausted)
	}

	slog.Debug("Retransmission timeout, resending window",
		"base", s.win.Base(),
		"in_flight", s.win.InFlight(),
		"timeout", s.rtt.RTO())
	s.win.OnTimeout()
	s.rtt.Backoff()
	return nil
}

func (s *Session) onControl(c protocol.ControlPacket) error {
	fb, err := s.win.OnControl(c)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, a := range fb.Acked {
		if sent, ok := s.sentAt[a.Index]; ok && a.Attempts == 1 {
			s.rtt.Sample(now.Sub(sent))
		}
		delete(s.sentAt, a.Index)
	}
	if len(fb.Acked) > 0 {
		s.misses = 0
		s.updateProgress()
	}

	switch {
	case fb.Ignored:
		logging.LogPacket("control ignored", c.Index, "status", c.Status, "base", s.win.Base())
	case fb.Reset:
		logging.LogPacket("go-back-n", c.Index, "status", c.Status, "window", s.win.Len())
	default:
		logging.LogPacket("acknowledged", c.Index, "status", c.Status)
	}
	return nil
}

// close sends the sentinel and completes the statistics exchange. Missing
// statistics are not an error since every packet was acknowledged.
func (s *Session) close(ctx context.Context) error {
	sentinel, err := s.win.Close()
	if err != nil {
		return err
	}
	defer s.win.Finish()

	for attempt := 1; attempt <= s.opts.CloseAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.tr.Send(s.peer, sentinel); err != nil && !errors.IsTimeout(err) {
			return err
		}
		s.result.SentinelsSent++
		slog.Debug("End-of-stream sentinel sent", "attempt", attempt)

		if s.result.PeerStats != nil {
			return s.confirm()
		}

		deadline := time.Now().Add(s.rtt.RTO())
		for time.Now().Before(deadline) {
			addr, msg, err := s.tr.Receive(time.Until(deadline))
			if err != nil {
				if errors.IsTimeout(err) {
					break
				}
				return err
			}
			if !s.fromPeer(addr) || len(msg) != protocol.StatsSize {
				continue
			}
			stats, err := protocol.DecodeStats(msg)
			if err != nil {
				continue
			}
			s.result.PeerStats = &stats
			return s.confirm()
		}
	}

	slog.Warn("Receiver statistics not received", "attempts", s.opts.CloseAttempts)
	return nil
}

// confirm answers the receiver's statistics with our count and the
// confirmation byte
func (s *Session) confirm() error {
	stats := s.result.PeerStats
	slog.Info("Receiver statistics",
		"bytes_accepted", stats.BytesAccepted,
		"packets_lost", stats.PacketsLost)

	transmitted := s.win.Stats().BytesTransmitted
	if err := s.tr.Send(s.peer, protocol.EncodeCount(transmitted)); err != nil {
		return err
	}
	if err := s.tr.Send(s.peer, []byte{protocol.Confirmation}); err != nil {
		return err
	}

	if int64(stats.BytesAccepted) != s.header.Size {
		return errors.NewProtocolError("close",
			fmt.Sprintf("receiver accepted %d of %d bytes", stats.BytesAccepted, s.header.Size),
			errors.ErrIncompleteTransfer)
	}
	return nil
}

func (s *Session) fromPeer(addr net.Addr) bool {
	if addr == nil || s.peer == nil {
		return true
	}
	if addr.String() != s.peer.String() {
		slog.Debug("Ignoring datagram from unknown peer", "from", addr.String())
		return false
	}
	return true
}

func (s *Session) updateProgress() {
	if s.opts.Progress == nil {
		return
	}
	done := int64(s.win.Base()) * int64(s.opts.PacketCapacity)
	if done > s.header.Size {
		done = s.header.Size
	}
	s.opts.Progress.SetTransferred(done)
	s.opts.Progress.Retransmissions.Store(s.win.Stats().Retransmissions)
}

func (s *Session) collect() {
	stats := s.win.Stats()
	s.result.DataPacketsSent = stats.Transmissions
	s.result.Retransmissions = stats.Retransmissions
	s.result.Successes = stats.Successes
	s.result.Failures = stats.Failures
	s.result.Timeouts = stats.Timeouts
	s.result.BytesTransmitted = stats.BytesTransmitted
}
