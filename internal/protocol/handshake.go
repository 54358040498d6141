package protocol

import (
	"fmt"
	"unicode/utf8"

	"udpfileshare/internal/errors"
)

// FileHeader announces the file before the windowed transfer starts
type FileHeader struct {
	Size int64
	Name string
}

// Stats is the receiver's closing report
type Stats struct {
	BytesAccepted uint64
	PacketsLost   uint64
}

// Ready is the empty datagram a receiver uses to signal readiness. It doubles
// as the keepalive sent while waiting for data.
func Ready() []byte {
	return []byte{}
}

// IsReady reports whether b is a readiness or keepalive signal
func IsReady(b []byte) bool {
	return len(b) == 0
}

// EncodeFileHeader builds [size 8][name utf8]
func EncodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, 8+len(h.Name))
	byteOrder.PutUint64(buf[0:8], uint64(h.Size))
	copy(buf[8:], h.Name)
	return buf
}

// DecodeFileHeader parses a file header datagram
func DecodeFileHeader(b []byte) (FileHeader, error) {
	if len(b) <= 8 {
		return FileHeader{}, errors.NewProtocolError("decode_header",
			fmt.Sprintf("header of %d bytes carries no file name", len(b)),
			errors.ErrMalformedPacket)
	}

	size := byteOrder.Uint64(b[0:8])
	if size > 1<<62 {
		return FileHeader{}, errors.NewProtocolError("decode_header",
			fmt.Sprintf("implausible file size %d", size),
			errors.ErrMalformedPacket)
	}

	name := b[8:]
	if !utf8.Valid(name) {
		return FileHeader{}, errors.NewProtocolError("decode_header",
			"file name is not valid UTF-8", errors.ErrMalformedPacket)
	}

	return FileHeader{Size: int64(size), Name: string(name)}, nil
}

// EncodeStats builds [bytes_accepted 8][packets_lost 8]
func EncodeStats(s Stats) []byte {
	buf := make([]byte, StatsSize)
	byteOrder.PutUint64(buf[0:8], s.BytesAccepted)
	byteOrder.PutUint64(buf[8:16], s.PacketsLost)
	return buf
}

// DecodeStats parses the receiver's closing report
func DecodeStats(b []byte) (Stats, error) {
	if len(b) != StatsSize {
		return Stats{}, errors.NewProtocolError("decode_stats",
			fmt.Sprintf("stats packet must be %d bytes, got %d", StatsSize, len(b)),
			errors.ErrMalformedPacket)
	}
	return Stats{
		BytesAccepted: byteOrder.Uint64(b[0:8]),
		PacketsLost:   byteOrder.Uint64(b[8:16]),
	}, nil
}

// EncodeCount builds the sender's [transmitted 8] reply
func EncodeCount(n uint64) []byte {
	buf := make([]byte, CountSize)
	byteOrder.PutUint64(buf, n)
	return buf
}

// DecodeCount parses the sender's transmitted byte count
func DecodeCount(b []byte) (uint64, error) {
	if len(b) != CountSize {
		return 0, errors.NewProtocolError("decode_count",
			fmt.Sprintf("count packet must be %d bytes, got %d", CountSize, len(b)),
			errors.ErrMalformedPacket)
	}
	return byteOrder.Uint64(b), nil
}

// IsConfirmation reports whether b is the final confirmation byte
func IsConfirmation(b []byte) bool {
	return len(b) == ConfirmationSize && b[0] == Confirmation
}
