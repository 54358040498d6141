package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udpfileshare/internal/config"
	"udpfileshare/internal/errors"
)

func TestPipeDelivers(t *testing.T) {
	a, b := NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))

	from, msg, err := b.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sender", from.String())
	assert.Equal(t, "pipe", from.Network())
	assert.Equal(t, []byte("hello"), msg)
}

func TestPipeCopiesMessages(t *testing.T) {
	a, b := NewPipe("a", "b")

	buf := []byte("abc")
	require.NoError(t, a.Send(nil, buf))
	buf[0] = 'x'

	_, msg, err := b.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(msg))
	assert.Equal(t, "abc", string(a.Sent()[0]))
}

func TestPipeDropHook(t *testing.T) {
	a, b := NewPipe("a", "b")
	a.SetDrop(func(m []byte) bool { return string(m) == "lost" })

	require.NoError(t, a.Send(nil, []byte("lost")))
	require.NoError(t, a.Send(nil, []byte("kept")))

	_, msg, err := b.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(msg))
	assert.Len(t, a.Sent(), 2)
}

func TestPipeTimeoutAndClose(t *testing.T) {
	a, b := NewPipe("a", "b")

	_, _, err := b.Receive(10 * time.Millisecond)
	assert.True(t, errors.IsTimeout(err))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, _, err = b.Receive(time.Second)
	assert.True(t, errors.Is(err, errors.ErrNetwork))

	require.NoError(t, a.Close())
	assert.True(t, errors.Is(a.Send(nil, []byte("x")), errors.ErrNetwork))
}

func TestDatagramLoopback(t *testing.T) {
	a, err := ListenDatagram("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer a.Close()

	b, err := ListenDatagram("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte{}))
	from, msg, err := b.Receive(time.Second)
	require.NoError(t, err)
	assert.Empty(t, msg)
	assert.Equal(t, a.LocalAddr().String(), from.String())

	payload := make([]byte, 1500)
	payload[1499] = 7
	require.NoError(t, b.Send(from, payload))
	_, msg, err = a.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, msg)

	_, _, err = a.Receive(20 * time.Millisecond)
	assert.True(t, errors.IsTimeout(err))
}

func TestStreamLoopback(t *testing.T) {
	lis, err := ListenStream("127.0.0.1:0", 8)
	require.NoError(t, err)
	defer lis.Close()

	// Nobody to send to before a peer connects.
	assert.True(t, errors.Is(lis.Send(nil, []byte("x")), errors.ErrNetwork))

	dial, err := DialStream(lis.LocalAddr().String(), 8)
	require.NoError(t, err)
	defer dial.Close()

	require.NoError(t, dial.Send(nil, []byte{}))

	var msg []byte
	require.Eventually(t, func() bool {
		_, m, err := lis.Receive(50 * time.Millisecond)
		if err != nil {
			return false
		}
		msg = m
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, msg)

	require.NoError(t, lis.Send(nil, []byte("header")))
	require.NoError(t, lis.Send(nil, []byte("second")))

	_, first, err := dial.Receive(5 * time.Second)
	require.NoError(t, err)
	_, second, err := dial.Receive(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "header", string(first))
	assert.Equal(t, "second", string(second))
}

func TestOpenSelectsVariant(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddress = "127.0.0.1:0"

	tr, err := Open(cfg)
	require.NoError(t, err)
	_, ok := tr.(*Datagram)
	assert.True(t, ok)
	tr.Close()

	cfg.Transport = "carrier-pigeon"
	_, err = Open(cfg)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestResolvePeer(t *testing.T) {
	addr, err := ResolvePeer("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", addr.String())

	_, err = ResolvePeer("not an address")
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}
