package sender

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udpfileshare/internal/config"
	"udpfileshare/internal/errors"
	"udpfileshare/internal/network"
	"udpfileshare/internal/progress"
	"udpfileshare/internal/protocol"
	"udpfileshare/internal/receiver"
	"udpfileshare/internal/transport"
)

type memorySink struct {
	bytes.Buffer
	committed bool
	discarded bool
}

func (m *memorySink) Commit() error  { m.committed = true; return nil }
func (m *memorySink) Discard() error { m.discarded = true; return nil }

func testData(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func estimator(timeout time.Duration) *network.RTTEstimator {
	cfg := config.Default()
	cfg.RetransmitTimeout = timeout
	return network.NewRTTEstimator(cfg)
}

func newSession(t *testing.T, tr transport.Transport, data []byte, capacity, window int, timeout time.Duration) *Session {
	t.Helper()
	s, err := NewSession(tr, bytes.NewReader(data), protocol.FileHeader{Size: int64(len(data)), Name: "data.bin"}, Options{
		PacketCapacity: capacity,
		WindowSize:     window,
		CloseAttempts:  config.DefaultCloseAttempts,
		RTT:            estimator(timeout),
		Progress:       progress.NewStats("data.bin", int64(len(data))),
	})
	require.NoError(t, err)
	return s
}

type receiverOutcome struct {
	result *receiver.Result
	sink   *memorySink
	err    error
}

// startReceiver runs a real receiver session on the other end of the pipe
func startReceiver(t *testing.T, end *transport.Pipe, peer *transport.Pipe) <-chan receiverOutcome {
	t.Helper()
	sink := &memorySink{}
	s, err := receiver.NewSession(end, peer.LocalAddr(), func(protocol.FileHeader) (receiver.Sink, error) {
		return sink, nil
	}, receiver.Options{Timeout: time.Second, CloseAttempts: config.DefaultCloseAttempts})
	require.NoError(t, err)

	out := make(chan receiverOutcome, 1)
	go func() {
		res, err := s.Run(context.Background())
		out <- receiverOutcome{result: res, sink: sink, err: err}
	}()
	return out
}

func dataIndices(msgs [][]byte) []uint64 {
	var idx []uint64
	for _, m := range msgs {
		if pkt, err := protocol.DecodeData(m); err == nil {
			idx = append(idx, pkt.Index)
		}
	}
	return idx
}

func countSentinels(msgs [][]byte) int {
	n := 0
	for _, m := range msgs {
		if protocol.IsSentinel(m) {
			n++
		}
	}
	return n
}

func TestNewSessionValidation(t *testing.T) {
	a, _ := transport.NewPipe("sender", "receiver")

	_, err := NewSession(a, bytes.NewReader(nil), protocol.FileHeader{Name: "x"}, Options{PacketCapacity: 0, WindowSize: 4, RTT: estimator(time.Second)})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = NewSession(a, bytes.NewReader(nil), protocol.FileHeader{Name: "x"}, Options{PacketCapacity: 500, WindowSize: 4})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestLosslessTransfer(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	data := testData(2500)
	done := startReceiver(t, b, a)

	res, err := newSession(t, a, data, 500, 4, time.Second).Run(context.Background())
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)

	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, dataIndices(a.Sent()))
	assert.Equal(t, 1, countSentinels(a.Sent()))
	assert.Equal(t, uint64(5), res.DataPacketsSent)
	assert.Equal(t, uint64(0), res.Retransmissions)
	assert.Equal(t, uint64(5), res.Successes)
	assert.Equal(t, uint64(2500), res.BytesTransmitted)
	assert.Equal(t, "receiver", res.Peer)
	require.NotNil(t, res.PeerStats)
	assert.Equal(t, uint64(2500), res.PeerStats.BytesAccepted)

	assert.Equal(t, data, out.sink.Bytes())
	assert.True(t, out.sink.committed)
	assert.True(t, out.result.Confirmed)
	assert.Equal(t, uint64(2500), out.result.SenderCount)
}

func TestGoBackNAfterDrop(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	dropped := false
	a.SetDrop(func(m []byte) bool {
		pkt, err := protocol.DecodeData(m)
		if err == nil && pkt.Index == 2 && !dropped {
			dropped = true
			return true
		}
		return false
	})

	data := testData(2500)
	done := startReceiver(t, b, a)

	res, err := newSession(t, a, data, 500, 4, time.Second).Run(context.Background())
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)

	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 2, 3, 4}, dataIndices(a.Sent()))
	assert.Equal(t, uint64(3), res.Retransmissions)
	assert.Equal(t, data, out.sink.Bytes())
	assert.True(t, out.sink.committed)
}

func TestLossyTransferDelivers(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	rng := rand.New(rand.NewSource(7))
	drop := func(m []byte) bool {
		_, err := protocol.DecodeData(m)
		return err == nil && rng.Float64() < 0.2
	}
	a.SetDrop(drop)

	data := testData(20000)
	done := startReceiver(t, b, a)

	res, err := newSession(t, a, data, 1000, 8, 50*time.Millisecond).Run(context.Background())
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, data, out.sink.Bytes())
	assert.Greater(t, res.Retransmissions, uint64(0))
}

func TestEmptyFile(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	done := startReceiver(t, b, a)

	res, err := newSession(t, a, nil, 500, 4, time.Second).Run(context.Background())
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, uint64(0), res.DataPacketsSent)
	assert.Equal(t, 1, countSentinels(a.Sent()))
	assert.True(t, out.sink.committed)
	assert.Equal(t, 0, out.sink.Len())
}

func TestHeaderResentOnRepeatedReady(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	// Nothing is acknowledged, so the sender gives up after two timeouts
	s, err := NewSession(a, bytes.NewReader(testData(100)), protocol.FileHeader{Size: 100, Name: "data.bin"}, Options{
		PacketCapacity: 500,
		WindowSize:     4,
		MaxAttempts:    2,
		RTT:            estimator(50 * time.Millisecond),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	require.NoError(t, b.Send(nil, protocol.Ready()))
	_, msg, err := b.Receive(time.Second)
	require.NoError(t, err)
	header, err := protocol.DecodeFileHeader(msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.FileHeader{Size: 100, Name: "data.bin"}, header)

	require.NoError(t, b.Send(nil, protocol.Ready()))

	err = <-done
	assert.True(t, errors.Is(err, errors.ErrRetryBudgetExhausted))

	headers := 0
	for _, m := range a.Sent() {
		if bytes.Equal(m, msg) {
			headers++
		}
	}
	assert.Equal(t, 2, headers)
}

func TestRetryBudgetExhausted(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	s, err := NewSession(a, bytes.NewReader(testData(1000)), protocol.FileHeader{Size: 1000, Name: "data.bin"}, Options{
		PacketCapacity: 500,
		WindowSize:     4,
		MaxAttempts:    3,
		RTT:            estimator(20 * time.Millisecond),
	})
	require.NoError(t, err)

	require.NoError(t, b.Send(nil, protocol.Ready()))

	res, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRetryBudgetExhausted))
	assert.Equal(t, uint64(2), res.Timeouts)
	// first round plus one resend per tolerated timeout
	assert.Equal(t, uint64(6), res.DataPacketsSent)
}

func TestCancelledDuringHandshake(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := newSession(t, a, testData(100), 500, 4, 20*time.Millisecond).Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
	assert.Equal(t, uint64(0), res.DataPacketsSent)
}

func TestIncompleteStatsReported(t *testing.T) {
	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	s := newSession(t, a, testData(500), 500, 4, time.Second)
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	require.NoError(t, b.Send(nil, protocol.Ready()))
	_, _, err := b.Receive(time.Second) // header
	require.NoError(t, err)
	_, _, err = b.Receive(time.Second) // packet 0
	require.NoError(t, err)

	require.NoError(t, b.Send(nil, protocol.EncodeControl(protocol.ACK(0))))
	_, msg, err := b.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, protocol.IsSentinel(msg))

	require.NoError(t, b.Send(nil, protocol.EncodeStats(protocol.Stats{BytesAccepted: 400})))

	_, msg, err = b.Receive(time.Second)
	require.NoError(t, err)
	count, err := protocol.DecodeCount(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), count)

	_, msg, err = b.Receive(time.Second)
	require.NoError(t, err)
	assert.True(t, protocol.IsConfirmation(msg))

	err = <-done
	assert.True(t, errors.Is(err, errors.ErrIncompleteTransfer))
}

func TestResultSummary(t *testing.T) {
	r := &Result{
		File:            "a.bin",
		Size:            10,
		DataPacketsSent: 3,
		Retransmissions: 1,
		PeerStats:       &protocol.Stats{BytesAccepted: 10, PacketsLost: 2},
	}
	s := r.Summary(nil)
	assert.Equal(t, "Sender", s.Role)
	assert.Equal(t, uint64(10), s.PeerBytes)
	assert.Equal(t, uint64(2), s.PacketsLost)
	assert.Equal(t, uint64(3), s.Packets)
}

func TestRunRejectsDirectory(t *testing.T) {
	cfg := config.Default()
	cfg.IsSender = true
	cfg.FilePath = t.TempDir()

	_, err := Run(context.Background(), cfg)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestRunMissingFile(t *testing.T) {
	cfg := config.Default()
	cfg.IsSender = true
	cfg.FilePath = filepath.Join(t.TempDir(), "missing.bin")

	_, err := Run(context.Background(), cfg)
	assert.True(t, errors.Is(err, errors.ErrFileSystem))
}

func TestRunEndToEndOverPipe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("quarterly numbers"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	a, b := transport.NewPipe("sender", "receiver")
	defer a.Close()
	defer b.Close()

	done := startReceiver(t, b, a)

	s, err := NewSession(a, f, protocol.FileHeader{Size: 17, Name: "report.txt"}, Options{
		PacketCapacity: 4,
		WindowSize:     2,
		CloseAttempts:  1,
		RTT:            estimator(time.Second),
	})
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.DataPacketsSent)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "quarterly numbers", out.sink.String())
}
