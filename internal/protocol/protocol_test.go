package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udpfileshare/internal/errors"
)

func TestChecksum(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Checksum(nil))
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", Checksum([]byte("hello")))
	assert.Len(t, Checksum(bytes.Repeat([]byte{0xff}, 4096)), ChecksumSize)
}

func TestDataRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 47, 48, 500, 1024}

	for _, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)

		wire := EncodeData(uint64(size)*3, payload)
		require.Len(t, wire, HeaderSize+size)

		pkt, err := DecodeData(wire)
		require.NoError(t, err)
		assert.Equal(t, uint64(size)*3, pkt.Index)
		assert.Equal(t, uint64(size), pkt.Length)
		assert.Equal(t, Checksum(payload), pkt.Checksum)
		assert.True(t, bytes.Equal(payload, pkt.Payload))
	}
}

func TestDataHeaderLayout(t *testing.T) {
	wire := EncodeData(0x0102030405060708, []byte("abc"))

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, wire[0:8])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 3}, wire[8:16])
	assert.Equal(t, Checksum([]byte("abc")), string(wire[16:48]))
	assert.Equal(t, "abc", string(wire[48:]))
}

func TestDecodeDataDetectsEveryBitFlip(t *testing.T) {
	payload := []byte("go-back-n keeps the receiver strictly in order")
	wire := EncodeData(7, payload)

	// Checksum region and payload region; index and length are held valid.
	for i := IndexSize + LengthSize; i < len(wire); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), wire...)
			corrupted[i] ^= 1 << bit

			_, err := DecodeData(corrupted)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.True(t, errors.Is(err, errors.ErrChecksumMismatch), "byte %d bit %d", i, bit)
			assert.True(t, errors.Is(err, errors.ErrProtocol))
		}
	}
}

func TestDecodeDataMalformed(t *testing.T) {
	valid := EncodeData(1, []byte("payload"))

	tests := []struct {
		name string
		wire []byte
	}{
		{"empty", nil},
		{"shorter than header", valid[:HeaderSize-1]},
		{"truncated payload", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeData(tt.wire)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedPacket))
		})
	}
}

func TestControlPackets(t *testing.T) {
	tests := []struct {
		name   string
		packet ControlPacket
		size   int
	}{
		{"ack", ACK(0), 11},
		{"nack", NACK(42), 12},
		{"large index", ACK(1 << 40), 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := EncodeControl(tt.packet)
			assert.Len(t, wire, tt.size)
			assert.True(t, IsControl(wire))

			decoded, err := DecodeControl(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.packet, decoded)
		})
	}
}

func TestDecodeControlRejectsGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0, 0, 0, 0, 0, 0, 0, 1},
		append([]byte{0, 0, 0, 0, 0, 0, 0, 1}, "NAK"...),
		append([]byte{0, 0, 0, 0, 0, 0, 0, 1}, "ACKS!"...),
	}

	for _, in := range inputs {
		_, err := DecodeControl(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrMalformedPacket))
	}
}

func TestControlString(t *testing.T) {
	assert.Equal(t, "ACK(3)", ACK(3).String())
	assert.Equal(t, "NACK(9)", NACK(9).String())
}

func TestSentinel(t *testing.T) {
	s := Sentinel(500)
	assert.Len(t, s, HeaderSize+500)
	assert.True(t, IsSentinel(s))
	assert.True(t, IsSentinel(Sentinel(0)))

	assert.False(t, IsSentinel(make([]byte, HeaderSize-1)))
	assert.False(t, IsSentinel(EncodeData(0, nil)))
	assert.False(t, IsSentinel(EncodeData(0, make([]byte, 500))))

	// A sentinel never decodes as a data packet.
	_, err := DecodeData(s)
	assert.Error(t, err)
}

func TestFileHeader(t *testing.T) {
	h := FileHeader{Size: 2500, Name: "résumé.pdf"}

	decoded, err := DecodeFileHeader(EncodeFileHeader(h))
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	_, err = DecodeFileHeader(EncodeFileHeader(FileHeader{Size: 10}))
	assert.True(t, errors.Is(err, errors.ErrMalformedPacket))

	_, err = DecodeFileHeader(append(EncodeCount(1), 0xff, 0xfe))
	assert.True(t, errors.Is(err, errors.ErrMalformedPacket))
}

func TestStatsAndCount(t *testing.T) {
	s := Stats{BytesAccepted: 2500, PacketsLost: 3}
	wire := EncodeStats(s)
	assert.Len(t, wire, StatsSize)

	decoded, err := DecodeStats(wire)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)

	_, err = DecodeStats(wire[:15])
	assert.True(t, errors.Is(err, errors.ErrMalformedPacket))

	n, err := DecodeCount(EncodeCount(4000))
	require.NoError(t, err)
	assert.Equal(t, uint64(4000), n)

	_, err = DecodeCount([]byte{1})
	assert.Error(t, err)

	assert.True(t, IsConfirmation([]byte{Confirmation}))
	assert.False(t, IsConfirmation([]byte{0}))
	assert.False(t, IsConfirmation(nil))
	assert.True(t, IsReady(Ready()))
}
