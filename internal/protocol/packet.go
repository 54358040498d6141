package protocol

import (
	"crypto/subtle"
	"fmt"

	"udpfileshare/internal/errors"
)

// Status is the verdict carried by a control packet
type Status string

const (
	StatusACK  Status = "ACK"
	StatusNACK Status = "NACK"
)

// DataPacket is one chunk of the file in flight
type DataPacket struct {
	Index    uint64
	Length   uint64
	Checksum string
	Payload  []byte
}

// ControlPacket acknowledges or rejects the packet at Index
type ControlPacket struct {
	Index  uint64
	Status Status
}

func (c ControlPacket) String() string {
	return fmt.Sprintf("%s(%d)", c.Status, c.Index)
}

// ACK builds an acknowledgment for index
func ACK(index uint64) ControlPacket {
	return ControlPacket{Index: index, Status: StatusACK}
}

// NACK builds a resend request starting at index
func NACK(index uint64) ControlPacket {
	return ControlPacket{Index: index, Status: StatusNACK}
}

// EncodeData frames payload as the packet at index
func EncodeData(index uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	byteOrder.PutUint64(buf[0:IndexSize], index)
	byteOrder.PutUint64(buf[IndexSize:IndexSize+LengthSize], uint64(len(payload)))
	copy(buf[IndexSize+LengthSize:HeaderSize], Checksum(payload))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeData parses a data packet. Short buffers and length fields that
// disagree with the datagram size fail with ErrMalformedPacket; a payload
// that does not match its digest fails with ErrChecksumMismatch. The returned
// payload aliases b.
func DecodeData(b []byte) (*DataPacket, error) {
	if len(b) < HeaderSize {
		return nil, errors.NewProtocolError("decode_data",
			fmt.Sprintf("packet of %d bytes is shorter than the %d byte header", len(b), HeaderSize),
			errors.ErrMalformedPacket)
	}

	pkt := &DataPacket{
		Index:    byteOrder.Uint64(b[0:IndexSize]),
		Length:   byteOrder.Uint64(b[IndexSize : IndexSize+LengthSize]),
		Checksum: string(b[IndexSize+LengthSize : HeaderSize]),
		Payload:  b[HeaderSize:],
	}

	if pkt.Length != uint64(len(pkt.Payload)) {
		return nil, errors.NewProtocolError("decode_data",
			fmt.Sprintf("length field %d does not match payload of %d bytes", pkt.Length, len(pkt.Payload)),
			errors.ErrMalformedPacket)
	}

	expected := Checksum(pkt.Payload)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(pkt.Checksum)) != 1 {
		return nil, errors.NewProtocolError("decode_data",
			fmt.Sprintf("packet %d digest mismatch", pkt.Index),
			errors.ErrChecksumMismatch)
	}

	return pkt, nil
}

// EncodeControl frames a control packet
func EncodeControl(c ControlPacket) []byte {
	buf := make([]byte, IndexSize+len(c.Status))
	byteOrder.PutUint64(buf[0:IndexSize], c.Index)
	copy(buf[IndexSize:], c.Status)
	return buf
}

// DecodeControl parses a control packet
func DecodeControl(b []byte) (ControlPacket, error) {
	if len(b) <= IndexSize {
		return ControlPacket{}, errors.NewProtocolError("decode_control",
			fmt.Sprintf("control packet of %d bytes is too short", len(b)),
			errors.ErrMalformedPacket)
	}

	status := Status(b[IndexSize:])
	switch status {
	case StatusACK, StatusNACK:
	default:
		return ControlPacket{}, errors.NewProtocolError("decode_control",
			fmt.Sprintf("unknown status %q", string(status)),
			errors.ErrMalformedPacket)
	}

	return ControlPacket{Index: byteOrder.Uint64(b[0:IndexSize]), Status: status}, nil
}

// IsControl reports whether b has the size of a control packet
func IsControl(b []byte) bool {
	return len(b) == IndexSize+len(StatusACK) || len(b) == IndexSize+len(StatusNACK)
}

// Sentinel returns the end-of-stream marker for the given packet capacity
func Sentinel(capacity int) []byte {
	return make([]byte, HeaderSize+capacity)
}

// IsSentinel reports whether b is an end-of-stream marker. Any all-zero
// buffer at least as long as the header qualifies, so peers configured with
// different capacities still recognise each other's sentinel.
func IsSentinel(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
