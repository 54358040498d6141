package network

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"udpfileshare/internal/config"
	"udpfileshare/internal/errors"
)

// Smoothing gains for the round-trip estimator
const (
	rttAlpha = 0.125
	rttBeta  = 0.25
)

// RTTEstimator derives the retransmission timeout from round-trip samples.
// When adaptive timeouts are disabled it always returns the configured fixed
// timeout.
type RTTEstimator struct {
	SRTT    time.Duration
	RTTVar  time.Duration
	Samples int

	adaptive bool
	fixed    time.Duration
	minRTO   time.Duration
	maxRTO   time.Duration
	rto      time.Duration
}

// NewRTTEstimator initializes an estimator with values from config
func NewRTTEstimator(cfg *config.Config) *RTTEstimator {
	return &RTTEstimator{
		adaptive: cfg.AdaptiveTimeout,
		fixed:    cfg.RetransmitTimeout,
		minRTO:   cfg.MinRTO,
		maxRTO:   cfg.MaxRTO,
		rto:      cfg.RetransmitTimeout,
	}
}

// Sample feeds one round-trip measurement. Only packets acknowledged on their
// first transmission should be sampled.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}

	if e.Samples == 0 {
		e.SRTT = rtt
		e.RTTVar = rtt / 2
	} else {
		delta := e.SRTT - rtt
		if delta < 0 {
			delta = -delta
		}
		e.RTTVar = time.Duration((1-rttBeta)*float64(e.RTTVar) + rttBeta*float64(delta))
		e.SRTT = time.Duration((1-rttAlpha)*float64(e.SRTT) + rttAlpha*float64(rtt))
	}
	e.Samples++

	if !e.adaptive {
		return
	}

	prev := e.rto
	e.rto = e.clamp(e.SRTT + 4*e.RTTVar)

	// Only log shifts of more than a quarter
	if diff := e.rto - prev; diff > prev/4 || -diff > prev/4 {
		slog.Debug("Retransmission timeout adjusted",
			"previous_ms", prev.Milliseconds(),
			"rto_ms", e.rto.Milliseconds(),
			"srtt_ms", fmt.Sprintf("%.2f", float64(e.SRTT)/float64(time.Millisecond)))
	}
}

// Backoff doubles the adaptive timeout after a loss, within bounds
func (e *RTTEstimator) Backoff() {
	if e.adaptive {
		e.rto = e.clamp(2 * e.rto)
	}
}

// RTO returns the timeout to use for the next wait
func (e *RTTEstimator) RTO() time.Duration {
	if !e.adaptive {
		return e.fixed
	}
	return e.rto
}

func (e *RTTEstimator) clamp(d time.Duration) time.Duration {
	if d < e.minRTO {
		d = e.minRTO
	}
	if d > e.maxRTO {
		d = e.maxRTO
	}
	return d
}

// OptimizeUDPConnection enlarges socket buffers and applies the TOS byte to
// a datagram socket. Buffer failures are only logged.
func OptimizeUDPConnection(conn *net.UDPConn, tos int) error {
	if err := conn.SetReadBuffer(config.UDPBufferSize); err != nil {
		slog.Warn("Failed to set UDP read buffer", "error", err)
	}

	if err := conn.SetWriteBuffer(config.UDPBufferSize); err != nil {
		slog.Warn("Failed to set UDP write buffer", "error", err)
	}

	if tos == 0 {
		return nil
	}

	if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
		return errors.NewNetworkError("set_tos", conn.LocalAddr().String(), err)
	}
	slog.Debug("Applied IPv4 TOS", "tos", tos)
	return nil
}

// LossRate estimates the fraction of transmissions that had to be repeated
func LossRate(transmissions, retransmissions uint64) float64 {
	if transmissions == 0 {
		return 0
	}
	return float64(retransmissions) / float64(transmissions)
}

// Quality classifies a link from its round-trip time and loss rate
func Quality(rtt time.Duration, loss float64) string {
	if rtt < 10*time.Millisecond && loss < 0.001 {
		return "excellent"
	} else if rtt < 50*time.Millisecond && loss < 0.01 {
		return "good"
	} else if rtt < 150*time.Millisecond && loss < 0.05 {
		return "fair"
	}
	return "poor"
}
