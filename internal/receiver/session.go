package receiver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"udpfileshare/internal/errors"
	"udpfileshare/internal/logging"
	"udpfileshare/internal/progress"
	"udpfileshare/internal/protocol"
	"udpfileshare/internal/transport"
	"udpfileshare/internal/window"
)

// Sink receives the accepted payloads of one file
type Sink interface {
	io.Writer
	Commit() error
	Discard() error
}

// SinkFactory creates the sink once the file header is known
type SinkFactory func(h protocol.FileHeader) (Sink, error)

// Options tune a receiver session
type Options struct {
	Timeout       time.Duration
	MaxAttempts   int // consecutive idle timeouts tolerated, 0 for unbounded
	CloseAttempts int
	QuietPeriod   time.Duration // debounce for progress notices, 0 disables them

	// OnHeader is called once the header arrived, before any data
	OnHeader func(h protocol.FileHeader, stats *progress.Stats)
}

// Result summarises a finished receiver session
type Result struct {
	File            string
	Path            string
	Size            int64
	Peer            string
	BytesAccepted   int64
	PacketsAccepted uint64
	PacketsRejected uint64
	Replies         uint64
	Timeouts        uint64
	SenderCount     uint64 // bytes the sender reports having transmitted
	Confirmed       bool
	Duration        time.Duration
	Algorithm       string
	Digest          string
}

// Summary converts the result for the console report
func (r *Result) Summary(err error) progress.Summary {
	return progress.Summary{
		Role:        "Receiver",
		File:        r.File,
		Bytes:       r.BytesAccepted,
		PeerBytes:   r.SenderCount,
		Packets:     r.PacketsAccepted,
		Failures:    r.PacketsRejected,
		Timeouts:    r.Timeouts,
		PacketsLost: r.PacketsRejected,
		Duration:    r.Duration,
		Algorithm:   r.Algorithm,
		Digest:      r.Digest,
		Err:         err,
	}
}

// Session receives one file from one sender
type Session struct {
	tr      transport.Transport
	peer    net.Addr
	factory SinkFactory
	opts    Options

	header     protocol.FileHeader
	headerWire []byte
	sink       Sink
	win        *window.ReceiveWindow
	stats      *progress.Stats
	notifier   *progress.Notifier
	misses     int

	result Result
}

// NewSession prepares a session that will ask peer for its file
func NewSession(tr transport.Transport, peer net.Addr, factory SinkFactory, opts Options) (*Session, error) {
	if opts.Timeout <= 0 {
		return nil, errors.NewValidationError("timeout", opts.Timeout, "must be positive")
	}
	if factory == nil {
		return nil, errors.NewValidationError("sink", nil, "factory is required")
	}
	if opts.CloseAttempts <= 0 {
		opts.CloseAttempts = 1
	}

	s := &Session{
		tr:      tr,
		peer:    peer,
		factory: factory,
		opts:    opts,
	}
	if opts.QuietPeriod > 0 {
		s.notifier = progress.NewNotifier(opts.QuietPeriod, s.logProgress)
	}
	return s, nil
}

// Run performs handshake, in-order reception and the closing exchange. The
// sink is committed only when the whole announced size was accepted and is
// discarded otherwise.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { s.result.Duration = time.Since(start) }()

	err := s.run(ctx)
	s.notifier.Stop()
	if s.win != nil {
		s.collect()
	}
	if err != nil && s.sink != nil {
		if derr := s.sink.Discard(); derr != nil {
			slog.Warn("Failed to discard partial file", "error", derr)
		}
	}
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", errors.ErrCancelled, ctx.Err())
	}
	return &s.result, err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		return err
	}

	if err := s.receive(ctx); err != nil {
		return err
	}

	if err := s.sink.Commit(); err != nil {
		return err
	}
	s.sink = nil
	logging.LogTransferComplete(s.header.Name, s.win.BytesAccepted(), time.Since(s.stats.StartTime))

	s.close(ctx)
	return nil
}

// handshake announces readiness until the sender answers with the header
func (s *Session) handshake(ctx context.Context) error {
	slog.Info("Requesting file", "peer", addrString(s.peer))

	if err := s.announce(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr, msg, err := s.tr.Receive(s.opts.Timeout)
		if err != nil {
			if !errors.IsTimeout(err) {
				return err
			}
			if err := s.idle("handshake"); err != nil {
				return err
			}
			if err := s.announce(); err != nil {
				return err
			}
			continue
		}

		// Data or a sentinel left over from another session is not a header
		if len(msg) <= protocol.LengthSize || protocol.IsSentinel(msg) {
			continue
		}
		if _, err := protocol.DecodeData(msg); err == nil {
			continue
		}

		header, err := protocol.DecodeFileHeader(msg)
		if err != nil {
			slog.Warn("Discarding malformed file header", "from", addrString(addr), "error", err)
			continue
		}
		return s.accept(addr, msg, header)
	}
}

func (s *Session) announce() error {
	if err := s.tr.Send(s.peer, protocol.Ready()); err != nil && !errors.IsTimeout(err) {
		return err
	}
	return nil
}

func (s *Session) accept(addr net.Addr, wire []byte, header protocol.FileHeader) error {
	sink, err := s.factory(header)
	if err != nil {
		return err
	}

	if addr != nil {
		s.peer = addr
	}
	s.header = header
	s.headerWire = wire
	s.sink = sink
	s.win = window.NewReceiveWindow(header.Size, sink)
	s.stats = progress.NewStats(header.Name, header.Size)
	s.misses = 0

	s.result.File = header.Name
	s.result.Size = header.Size
	s.result.Peer = addrString(s.peer)
	if p, ok := sink.(interface{ FinalPath() string }); ok {
		s.result.Path = p.FinalPath()
	}

	slog.Info("Receiving file", "name", header.Name, "size", header.Size, "peer", s.result.Peer)
	if s.opts.OnHeader != nil {
		s.opts.OnHeader(header, s.stats)
	}
	return nil
}

// receive accepts data packets until the announced size is reached
func (s *Session) receive(ctx context.Context) error {
	for !s.win.Complete() {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr, msg, err := s.tr.Receive(s.opts.Timeout)
		if err != nil {
			if !errors.IsTimeout(err) {
				return err
			}
			if err := s.idle("receive"); err != nil {
				return err
			}
			// Keepalive, also a header request if the header was resent and lost
			if err := s.announce(); err != nil {
				return err
			}
			continue
		}
		if !s.fromPeer(addr) || bytes.Equal(msg, s.headerWire) {
			continue
		}
		s.misses = 0

		d, err := s.win.OnData(msg)
		if err != nil {
			return err
		}

		switch d.Outcome {
		case window.EndOfStream:
			return errors.NewProtocolError("receive",
				fmt.Sprintf("end of stream after %d of %d bytes", s.win.BytesAccepted(), s.header.Size),
				errors.ErrIncompleteTransfer)

		case window.Accepted:
			s.result.PacketsAccepted++
			s.stats.SetTransferred(s.win.BytesAccepted())
			s.notifier.Notify()
			logging.LogPacket("accepted", d.Index)

		case window.Rejected:
			logging.LogPacket("rejected", d.Index, "reason", d.Reason)
		}

		if err := s.reply(d.Reply); err != nil {
			return err
		}
	}
	return nil
}

// close reports statistics until the sender confirms. Running out of
// attempts is logged only.
func (s *Session) close(ctx context.Context) {
	stats := protocol.EncodeStats(s.win.Stats())

	for attempt := 1; attempt <= s.opts.CloseAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err := s.tr.Send(s.peer, stats); err != nil && !errors.IsTimeout(err) {
			logging.LogError(err, "close")
			return
		}
		slog.Debug("Statistics sent", "attempt", attempt)

		for {
			addr, msg, err := s.tr.Receive(s.opts.Timeout)
			if err != nil {
				if !errors.IsTimeout(err) {
					logging.LogError(err, "close")
					return
				}
				break
			}
			if !s.fromPeer(addr) {
				continue
			}

			switch {
			case protocol.IsConfirmation(msg):
				s.result.Confirmed = true
				slog.Info("Sender confirmed completion", "sender_bytes", s.result.SenderCount)
				return

			case len(msg) == protocol.CountSize:
				count, err := protocol.DecodeCount(msg)
				if err == nil {
					s.result.SenderCount = count
				}

			case protocol.IsSentinel(msg):
				// The statistics were lost
				if err := s.tr.Send(s.peer, stats); err != nil && !errors.IsTimeout(err) {
					logging.LogError(err, "close")
					return
				}

			default:
				// The final acknowledgment was lost and the sender is
				// retransmitting
				d, err := s.win.OnData(msg)
				if err != nil {
					logging.LogError(err, "close")
					return
				}
				if err := s.reply(d.Reply); err != nil {
					logging.LogError(err, "close")
					return
				}
			}
		}
	}

	slog.Warn("Sender confirmation not received", "attempts", s.opts.CloseAttempts)
}

func (s *Session) reply(c *protocol.ControlPacket) error {
	if c == nil {
		return nil
	}
	if err := s.tr.Send(s.peer, protocol.EncodeControl(*c)); err != nil && !errors.IsTimeout(err) {
		return err
	}
	s.result.Replies++
	return nil
}

func (s *Session) idle(phase string) error {
	s.misses++
	s.result.Timeouts++
	if s.opts.MaxAttempts > 0 && s.misses >= s.opts.MaxAttempts {
		return errors.NewProtocolError(phase,
			fmt.Sprintf("sender silent for %d consecutive timeouts", s.misses),
			errors.ErrRetryBudgetExhausted)
	}
	slog.Debug("Receive timed out", "phase", phase, "consecutive", s.misses)
	return nil
}

func (s *Session) fromPeer(addr net.Addr) bool {
	if addr == nil || s.peer == nil || addr.String() == s.peer.String() {
		return true
	}
	slog.Debug("Ignoring datagram from unknown peer", "from", addr.String())
	return false
}

func (s *Session) logProgress() {
	st := s.stats
	rate := float64(st.GetTransferred()) / 1024 / 1024 / time.Since(st.StartTime).Seconds()
	logging.LogTransferProgress(st.Filename, st.GetTransferred(), st.TotalBytes, rate)
}

func (s *Session) collect() {
	s.result.BytesAccepted = s.win.BytesAccepted()
	s.result.PacketsRejected = s.win.PacketsRejected()
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
