package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"udpfileshare/internal/logging"
)

// Stats holds transfer statistics shared between the session loop and the
// reporter
type Stats struct {
	TotalBytes       int64
	TransferredBytes atomic.Int64
	Retransmissions  atomic.Uint64
	StartTime        time.Time
	Filename         string
}

// NewStats creates statistics for a file of total bytes
func NewStats(filename string, total int64) *Stats {
	return &Stats{
		TotalBytes: total,
		StartTime:  time.Now(),
		Filename:   filename,
	}
}

// GetTransferred atomically gets the current transferred bytes count
func (s *Stats) GetTransferred() int64 {
	return s.TransferredBytes.Load()
}

// SetTransferred atomically sets the transferred bytes count
func (s *Stats) SetTransferred(bytes int64) {
	s.TransferredBytes.Store(bytes)
}

// Percent returns the completed share of the file
func (s *Stats) Percent() float64 {
	if s.TotalBytes <= 0 {
		return 100
	}
	return float64(s.GetTransferred()) / float64(s.TotalBytes) * 100
}

// Reporter logs progress at a fixed interval
type Reporter struct {
	stats    *Stats
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

// NewReporter creates a new progress reporter
func NewReporter(stats *Stats, interval time.Duration) *Reporter {
	return &Reporter{
		stats:    stats,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins progress reporting
func (r *Reporter) Start() {
	go r.reportLoop()
}

// Stop stops progress reporting and waits for the loop to exit
func (r *Reporter) Stop() {
	close(r.done)
	<-r.stopped
}

func (r *Reporter) reportLoop() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	last := r.stats.GetTransferred()
	lastTime := time.Now()

	for {
		select {
		case now := <-ticker.C:
			transferred := r.stats.GetTransferred()
			rate := float64(transferred-last) / 1024 / 1024 / now.Sub(lastTime).Seconds()
			logging.LogTransferProgress(r.stats.Filename, transferred, r.stats.TotalBytes, rate)
			last, lastTime = transferred, now
		case <-r.done:
			return
		}
	}
}

// Notifier coalesces bursts of events into one callback after a quiet period.
// Notify is safe to call from any goroutine.
type Notifier struct {
	quiet time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewNotifier runs fn once the events passed to Notify pause for quiet
func NewNotifier(quiet time.Duration, fn func()) *Notifier {
	return &Notifier{quiet: quiet, fn: fn}
}

// Notify records an event and pushes the callback back by the quiet period
func (n *Notifier) Notify() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	// AfterFunc timers have no channel to drain, so Reset is safe whether or
	// not the previous callback already ran
	if n.timer == nil {
		n.timer = time.AfterFunc(n.quiet, n.fn)
		return
	}
	n.timer.Reset(n.quiet)
}

// Stop cancels a pending callback
func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
}
