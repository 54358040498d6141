package network

import (
	"net"
	"testing"
	"time"

	"udpfileshare/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adaptiveConfig() *config.Config {
	cfg := config.Default()
	cfg.AdaptiveTimeout = true
	cfg.MinRTO = 10 * time.Millisecond
	cfg.MaxRTO = 2 * time.Second
	return cfg
}

func TestRTTEstimatorFixed(t *testing.T) {
	cfg := config.Default()
	est := NewRTTEstimator(cfg)

	est.Sample(20 * time.Millisecond)
	est.Backoff()

	assert.Equal(t, cfg.RetransmitTimeout, est.RTO())
	assert.Equal(t, 20*time.Millisecond, est.SRTT)
	assert.Equal(t, 1, est.Samples)
}

func TestRTTEstimatorFirstSample(t *testing.T) {
	est := NewRTTEstimator(adaptiveConfig())

	est.Sample(100 * time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, est.SRTT)
	assert.Equal(t, 50*time.Millisecond, est.RTTVar)
	assert.Equal(t, 300*time.Millisecond, est.RTO())
}

func TestRTTEstimatorSmoothing(t *testing.T) {
	est := NewRTTEstimator(adaptiveConfig())

	est.Sample(100 * time.Millisecond)
	est.Sample(100 * time.Millisecond)

	// rttvar = 0.75*50ms + 0.25*0, srtt unchanged
	assert.Equal(t, 100*time.Millisecond, est.SRTT)
	assert.Equal(t, 37500*time.Microsecond, est.RTTVar)
	assert.Equal(t, 250*time.Millisecond, est.RTO())
}

func TestRTTEstimatorBounds(t *testing.T) {
	cfg := adaptiveConfig()
	est := NewRTTEstimator(cfg)

	est.Sample(time.Millisecond)
	assert.Equal(t, cfg.MinRTO, est.RTO())

	for i := 0; i < 10; i++ {
		est.Backoff()
	}
	assert.Equal(t, cfg.MaxRTO, est.RTO())

	est.Sample(0)
	assert.Equal(t, 1, est.Samples)
}

func TestLossRateAndQuality(t *testing.T) {
	assert.Equal(t, 0.0, LossRate(0, 0))
	assert.Equal(t, 0.25, LossRate(8, 2))

	tests := []struct {
		rtt      time.Duration
		loss     float64
		expected string
	}{
		{time.Millisecond, 0, "excellent"},
		{20 * time.Millisecond, 0.005, "good"},
		{100 * time.Millisecond, 0.02, "fair"},
		{time.Second, 0.5, "poor"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Quality(tt.rtt, tt.loss))
	}
}

func TestOptimizeUDPConnection(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	assert.NoError(t, OptimizeUDPConnection(conn, 0))
	assert.NoError(t, OptimizeUDPConnection(conn, 0x10))
}
