// Package receiver requests a file from a sender and writes it to the output
// directory, accepting packets strictly in order.
package receiver

import (
	"context"
	"log/slog"
	"time"

	"udpfileshare/internal/config"
	"udpfileshare/internal/filesystem"
	"udpfileshare/internal/history"
	"udpfileshare/internal/logging"
	"udpfileshare/internal/progress"
	"udpfileshare/internal/protocol"
	"udpfileshare/internal/transport"
)

// Run starts the receiver with the given configuration
func Run(ctx context.Context, cfg *config.Config) (*Result, error) {
	slog.Info("Starting receiver", "sender", cfg.PeerAddress, "output_dir", cfg.OutputDir)

	if err := filesystem.EnsureDirectoryExists(cfg.OutputDir); err != nil {
		return nil, err
	}

	peer, err := transport.ResolvePeer(cfg.PeerAddress)
	if err != nil {
		return nil, err
	}

	tr, err := transport.Open(cfg)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	// Unblock the session loop on cancellation
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	defer stop()

	var reporter *progress.Reporter
	defer func() {
		if reporter != nil {
			reporter.Stop()
		}
	}()

	opts := Options{
		Timeout:       cfg.RetransmitTimeout,
		MaxAttempts:   cfg.MaxAttempts,
		CloseAttempts: cfg.CloseAttempts,
	}
	if cfg.ShowProgress {
		opts.QuietPeriod = config.DefaultProgressQuietPeriod
		opts.OnHeader = func(_ protocol.FileHeader, stats *progress.Stats) {
			reporter = progress.NewReporter(stats, config.DefaultProgressInterval)
			reporter.Start()
		}
	}

	session, err := NewSession(tr, peer, partialSink(cfg.OutputDir), opts)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := session.Run(ctx)

	if err == nil && result.Path != "" {
		digest, alg, herr := filesystem.HashFile(result.Path, filesystem.HashAlgorithm(cfg.HashAlgorithm))
		if herr != nil {
			slog.Warn("Failed to hash received file", "error", herr)
		} else {
			result.Digest, result.Algorithm = digest, string(alg)
			slog.Info("File digest", "path", result.Path, "algorithm", alg, "digest", digest)
		}
	}

	logging.LogSessionEnd(err == nil, result.BytesAccepted, result.Duration)

	record(ctx, cfg, result, started, err)
	return result, err
}

// partialSink writes received files under a temporary name in dir
func partialSink(dir string) SinkFactory {
	return func(h protocol.FileHeader) (Sink, error) {
		name, err := filesystem.ReceivedName(h.Name)
		if err != nil {
			return nil, err
		}
		file, err := filesystem.CreatePartial(dir, name)
		if err != nil {
			return nil, err
		}
		return file, nil
	}
}

func record(ctx context.Context, cfg *config.Config, r *Result, started time.Time, runErr error) {
	if cfg.HistoryPath == "" {
		return
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logging.LogError(err, "history")
		return
	}
	defer store.Close()

	entry := history.Entry{
		Role:      "receiver",
		Peer:      r.Peer,
		Name:      r.File,
		Size:      r.Size,
		Bytes:     r.BytesAccepted,
		Packets:   r.PacketsAccepted,
		Failures:  r.PacketsRejected,
		Timeouts:  r.Timeouts,
		Algorithm: r.Algorithm,
		Digest:    r.Digest,
		Status:    history.StatusSuccess,
		Started:   started,
		Duration:  r.Duration,
	}
	if runErr != nil {
		entry.Status = history.StatusFailed
		entry.Error = runErr.Error()
	}

	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if _, err := store.Record(ctx, entry); err != nil {
		logging.LogError(err, "history")
	}
}
