package protocol

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
)

// Wire layout of a data packet: [index 8][length 8][checksum 32][payload]
const (
	IndexSize    = 8
	LengthSize   = 8
	ChecksumSize = 32
	HeaderSize   = IndexSize + LengthSize + ChecksumSize
)

// Fixed sizes of the session control messages
const (
	StatsSize        = 16
	CountSize        = 8
	ConfirmationSize = 1

	// Confirmation closes the statistics exchange
	Confirmation byte = 0x01
)

// Checksum returns the lowercase hex MD5 digest of payload. Both peers must
// agree on it; it is always ChecksumSize bytes long.
func Checksum(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

var byteOrder = binary.BigEndian
