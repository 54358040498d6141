// Package window holds the sender and receiver state machines of the
// go-back-N protocol. Neither type performs I/O on the network or reads a
// clock; the session loops drive them.
package window

import (
	"fmt"
	"io"

	"udpfileshare/internal/errors"
	"udpfileshare/internal/protocol"
)

// PacketState tracks one packet inside the send window
type PacketState int

const (
	Pending PacketState = iota
	AwaitingAck
	Acknowledged
)

func (s PacketState) String() string {
	switch s {
	case Pending:
		return "pending"
	case AwaitingAck:
		return "awaiting_ack"
	case Acknowledged:
		return "acknowledged"
	default:
		return fmt.Sprintf("PacketState(%d)", int(s))
	}
}

// SessionState is the sender session phase
type SessionState int

const (
	Filling SessionState = iota
	Draining
	Closing
	Done
)

func (s SessionState) String() string {
	switch s {
	case Filling:
		return "filling"
	case Draining:
		return "draining"
	case Closing:
		return "closing"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Outbound is handed to the transmit callback
type Outbound struct {
	Index   uint64
	Wire    []byte
	Attempt int // 1 for the first transmission
}

// Acked describes a packet that left the window
type Acked struct {
	Index    uint64
	Attempts int
}

// Feedback reports what a control packet did to the window
type Feedback struct {
	Acked   []Acked
	Reset   bool // remaining packets were rewound to Pending
	Ignored bool // stale, out of window, or a suppressed duplicate NACK
}

// SendStats are the sender counters. Successes and Failures are for
// reporting only.
type SendStats struct {
	Successes        uint64
	Failures         uint64
	Transmissions    uint64
	Retransmissions  uint64
	Timeouts         uint64
	BytesRead        int64
	BytesTransmitted uint64
}

type slot struct {
	index    uint64
	wire     []byte
	length   int
	state    PacketState
	attempts int
}

// SendWindow is the sender side of go-back-N
type SendWindow struct {
	src      io.Reader
	capacity int
	size     int

	slots []*slot
	base  uint64
	next  uint64
	eof   bool
	state SessionState

	// set after a NACK rewound the window, cleared when the base moves or a
	// timeout fires
	rewound bool

	stats SendStats
}

// NewSendWindow creates a window reading chunks of at most capacity bytes
// from src with at most size packets in flight
func NewSendWindow(src io.Reader, capacity, size int) (*SendWindow, error) {
	if capacity <= 0 {
		return nil, errors.NewValidationError("capacity", capacity, "must be positive")
	}
	if size <= 0 {
		return nil, errors.NewValidationError("window_size", size, "must be positive")
	}
	return &SendWindow{
		src:      src,
		capacity: capacity,
		size:     size,
		slots:    make([]*slot, 0, size),
	}, nil
}

// Fill reads file data into new Pending packets until the window is full or
// the source is exhausted
func (w *SendWindow) Fill() error {
	for len(w.slots) < w.size && !w.eof {
		buf := make([]byte, w.capacity)
		n, err := io.ReadFull(w.src, buf)
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			w.eof = true
		default:
			return errors.NewFileSystemError("read_chunk", fmt.Sprintf("packet %d", w.next), err)
		}
		if n == 0 {
			break
		}

		w.slots = append(w.slots, &slot{
			index:  w.next,
			wire:   protocol.EncodeData(w.next, buf[:n]),
			length: n,
			state:  Pending,
		})
		w.next++
		w.stats.BytesRead += int64(n)
	}

	if w.eof && w.state == Filling {
		w.state = Draining
	}
	return nil
}

// TransmitPending hands every Pending packet to send in window order. It stops
// at the first error so that order is preserved; the failed packet and those
// after it stay Pending.
func (w *SendWindow) TransmitPending(send func(Outbound) error) (int, error) {
	sent := 0
	for _, s := range w.slots {
		if s.state != Pending {
			continue
		}
		if err := send(Outbound{Index: s.index, Wire: s.wire, Attempt: s.attempts + 1}); err != nil {
			return sent, err
		}
		s.state = AwaitingAck
		s.attempts++
		w.stats.Transmissions++
		w.stats.BytesTransmitted += uint64(s.length)
		if s.attempts > 1 {
			w.stats.Retransmissions++
		}
		sent++
	}
	return sent, nil
}

// OnTimeout treats the whole window as lost
func (w *SendWindow) OnTimeout() {
	w.stats.Timeouts++
	w.rewound = false
	w.rewind()
}

// OnControl applies an ACK or NACK. Indices above the base are cumulative
// because the receiver only ever accepts in order: ACK(i) confirms everything
// through i and NACK(i) everything before i.
func (w *SendWindow) OnControl(c protocol.ControlPacket) (Feedback, error) {
	var fb Feedback
	limit := w.base + uint64(len(w.slots))

	switch {
	case c.Index < w.base:
		w.stats.Failures++
		fb.Ignored = true
		return fb, nil

	case c.Status == protocol.StatusACK:
		if c.Index >= limit {
			w.stats.Failures++
			fb.Ignored = true
			return fb, nil
		}
		if c.Index == w.base {
			w.stats.Successes++
		} else {
			w.stats.Failures++
		}
		fb.Acked = w.slide(c.Index + 1)

	default:
		if c.Index > limit {
			w.stats.Failures++
			fb.Ignored = true
			return fb, nil
		}
		fb.Acked = w.slide(c.Index)
		if len(w.slots) > 0 {
			if w.rewound && len(fb.Acked) == 0 {
				fb.Ignored = true
			} else {
				w.stats.Failures++
				w.rewind()
				w.rewound = true
				fb.Reset = true
			}
		}
	}

	return fb, w.Fill()
}

// AcknowledgeAll empties the window. Used when the receiver reports the whole
// file as accepted while acknowledgments are still missing.
func (w *SendWindow) AcknowledgeAll() []Acked {
	return w.slide(w.base + uint64(len(w.slots)))
}

// Drained reports whether every packet has been read and acknowledged
func (w *SendWindow) Drained() bool {
	return w.eof && len(w.slots) == 0
}

// Close returns the end-of-stream sentinel and moves to Closing. It fails if
// packets are still outstanding.
func (w *SendWindow) Close() ([]byte, error) {
	if !w.Drained() {
		return nil, errors.NewProtocolError("close",
			fmt.Sprintf("%d packets still in flight", len(w.slots)), nil)
	}
	w.state = Closing
	return protocol.Sentinel(w.capacity), nil
}

// Finish marks the session Done
func (w *SendWindow) Finish() {
	w.state = Done
}

// State returns the session phase
func (w *SendWindow) State() SessionState {
	return w.state
}

// Base returns the lowest unacknowledged index
func (w *SendWindow) Base() uint64 {
	return w.base
}

// Len returns the number of packets in the window
func (w *SendWindow) Len() int {
	return len(w.slots)
}

// InFlight returns the number of AwaitingAck packets
func (w *SendWindow) InFlight() int {
	n := 0
	for _, s := range w.slots {
		if s.state == AwaitingAck {
			n++
		}
	}
	return n
}

// PacketStates lists the state of each packet in window order
func (w *SendWindow) PacketStates() []PacketState {
	states := make([]PacketState, len(w.slots))
	for i, s := range w.slots {
		states[i] = s.state
	}
	return states
}

// Stats returns a copy of the counters
func (w *SendWindow) Stats() SendStats {
	return w.stats
}

// slide acknowledges every packet below upTo and evicts it
func (w *SendWindow) slide(upTo uint64) []Acked {
	var acked []Acked
	for len(w.slots) > 0 && w.slots[0].index < upTo {
		s := w.slots[0]
		s.state = Acknowledged
		acked = append(acked, Acked{Index: s.index, Attempts: s.attempts})
		w.slots[0] = nil
		w.slots = w.slots[1:]
		w.base = s.index + 1
	}
	if len(acked) > 0 {
		w.rewound = false
	}
	return acked
}

func (w *SendWindow) rewind() {
	for _, s := range w.slots {
		s.state = Pending
	}
}
