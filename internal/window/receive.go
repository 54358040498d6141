package window

import (
	"fmt"
	"io"

	"udpfileshare/internal/errors"
	"udpfileshare/internal/protocol"
)

// ReceiveState is the receiver session phase
type ReceiveState int

const (
	AwaitingFirstPacket ReceiveState = iota
	Receiving
	Complete
)

func (s ReceiveState) String() string {
	switch s {
	case AwaitingFirstPacket:
		return "awaiting_first_packet"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("ReceiveState(%d)", int(s))
	}
}

// Outcome classifies an incoming datagram
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	EndOfStream
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case EndOfStream:
		return "end_of_stream"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Delivery is the result of OnData. Reply is nil for the sentinel. Reason
// explains a rejection.
type Delivery struct {
	Outcome Outcome
	Index   uint64
	Reply   *protocol.ControlPacket
	Reason  error
}

// ReceiveWindow accepts payloads strictly in order and writes them to sink.
// Nothing out of order is ever stored.
type ReceiveWindow struct {
	announced int64
	sink      io.Writer

	expected uint64
	accepted int64
	rejected uint64
	state    ReceiveState
}

// NewReceiveWindow creates a window for a file of the announced size. A zero
// length file is complete immediately.
func NewReceiveWindow(announced int64, sink io.Writer) *ReceiveWindow {
	w := &ReceiveWindow{announced: announced, sink: sink}
	if announced <= 0 {
		w.state = Complete
	}
	return w
}

// OnData handles one datagram of the data phase. The sentinel is checked
// before anything else. The returned error is only set when the sink fails.
func (w *ReceiveWindow) OnData(raw []byte) (Delivery, error) {
	if protocol.IsSentinel(raw) {
		return Delivery{Outcome: EndOfStream, Index: w.expected}, nil
	}

	pkt, err := protocol.DecodeData(raw)
	if err != nil {
		return w.reject(err), nil
	}
	if w.state == Complete {
		return w.reject(fmt.Errorf("packet %d arrived after completion", pkt.Index)), nil
	}
	if pkt.Index != w.expected {
		return w.reject(fmt.Errorf("packet %d out of order, expected %d", pkt.Index, w.expected)), nil
	}

	if len(pkt.Payload) > 0 {
		if _, err := w.sink.Write(pkt.Payload); err != nil {
			return Delivery{}, errors.NewFileSystemError("write_payload", fmt.Sprintf("packet %d", pkt.Index), err)
		}
	}

	w.expected++
	w.accepted += int64(len(pkt.Payload))
	w.state = Receiving
	if w.accepted >= w.announced {
		w.state = Complete
	}

	reply := protocol.ACK(pkt.Index)
	return Delivery{Outcome: Accepted, Index: pkt.Index, Reply: &reply}, nil
}

func (w *ReceiveWindow) reject(reason error) Delivery {
	w.rejected++
	reply := protocol.NACK(w.expected)
	return Delivery{Outcome: Rejected, Index: w.expected, Reply: &reply, Reason: reason}
}

// Complete reports whether the announced size has been accepted
func (w *ReceiveWindow) Complete() bool {
	return w.state == Complete
}

// State returns the receiver phase
func (w *ReceiveWindow) State() ReceiveState {
	return w.state
}

// ExpectedIndex returns the next index to accept
func (w *ReceiveWindow) ExpectedIndex() uint64 {
	return w.expected
}

// BytesAccepted returns the payload bytes written to the sink
func (w *ReceiveWindow) BytesAccepted() int64 {
	return w.accepted
}

// PacketsRejected returns how many datagrams were answered with a NACK
func (w *ReceiveWindow) PacketsRejected() uint64 {
	return w.rejected
}

// Stats builds the closing report
func (w *ReceiveWindow) Stats() protocol.Stats {
	return protocol.Stats{BytesAccepted: uint64(w.accepted), PacketsLost: w.rejected}
}
