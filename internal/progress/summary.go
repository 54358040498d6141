package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"udpfileshare/internal/history"
)

// Summary is the end-of-session report shown to the user
type Summary struct {
	Role            string
	File            string
	Bytes           int64
	PeerBytes       uint64
	Packets         uint64
	Retransmissions uint64
	Failures        uint64
	Timeouts        uint64
	PacketsLost     uint64
	Duration        time.Duration
	Algorithm       string
	Digest          string
	Err             error
}

// PrintSummary writes a colored report of a finished session
func PrintSummary(w io.Writer, s Summary) {
	title := color.New(color.Bold)
	label := color.New(color.FgCyan)

	title.Fprintf(w, "\n%s summary\n", s.Role)
	if s.Err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(w, "  status:          FAILED (%v)\n", s.Err)
	} else {
		color.New(color.FgGreen, color.Bold).Fprintln(w, "  status:          OK")
	}

	row := func(name, format string, args ...interface{}) {
		label.Fprintf(w, "  %-16s ", name+":")
		fmt.Fprintf(w, format+"\n", args...)
	}

	row("file", "%s", s.File)
	row("bytes", "%d", s.Bytes)
	if s.PeerBytes > 0 {
		row("peer bytes", "%d", s.PeerBytes)
	}
	row("packets", "%d", s.Packets)

	warn := color.New(color.FgYellow)
	if s.Retransmissions > 0 || s.Failures > 0 || s.Timeouts > 0 || s.PacketsLost > 0 {
		label.Fprintf(w, "  %-16s ", "recovery:")
		warn.Fprintf(w, "%d retransmitted, %d failures, %d timeouts, %d rejected\n",
			s.Retransmissions, s.Failures, s.Timeouts, s.PacketsLost)
	}

	row("duration", "%v", s.Duration.Round(time.Millisecond))
	if s.Duration > 0 {
		row("throughput", "%.2f MB/s", float64(s.Bytes)/1024/1024/s.Duration.Seconds())
	}
	if s.Digest != "" {
		row(s.Algorithm, "%s", s.Digest)
	}
}

// PrintHistory writes one line per recorded session, newest first
func PrintHistory(w io.Writer, entries []history.Entry) {
	title := color.New(color.Bold)
	if len(entries) == 0 {
		title.Fprintln(w, "No transfers recorded")
		return
	}

	title.Fprintf(w, "Last %d transfers\n", len(entries))
	for _, e := range entries {
		status := color.New(color.FgGreen).Sprint("OK    ")
		if e.Status != history.StatusSuccess {
			status = color.New(color.FgRed).Sprint("FAILED")
		}
		fmt.Fprintf(w, "  %s  %s  %-8s %-21s %s  %d/%d bytes  %v",
			e.Started.Format("2006-01-02 15:04:05"), status, e.Role, e.Peer, e.Name,
			e.Bytes, e.Size, e.Duration.Round(time.Millisecond))
		if e.Error != "" {
			color.New(color.FgYellow).Fprintf(w, "  (%s)", e.Error)
		}
		fmt.Fprintln(w)
	}
}
