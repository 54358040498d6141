// Package sender serves one file to one receiver over a go-back-N window.
package sender

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"udpfileshare/internal/config"
	"udpfileshare/internal/errors"
	"udpfileshare/internal/filesystem"
	"udpfileshare/internal/history"
	"udpfileshare/internal/logging"
	"udpfileshare/internal/network"
	"udpfileshare/internal/progress"
	"udpfileshare/internal/protocol"
	"udpfileshare/internal/transport"
)

// Run starts the sender with the given configuration
func Run(ctx context.Context, cfg *config.Config) (*Result, error) {
	slog.Info("Starting sender", "file", cfg.FilePath, "listen", cfg.ListenAddress)

	// Get file information
	fileInfo, err := filesystem.GetFileInfo(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	if fileInfo.IsDir {
		return nil, errors.NewValidationError("file_path", cfg.FilePath, "cannot transfer directories")
	}

	file, err := os.Open(cfg.FilePath)
	if err != nil {
		return nil, errors.NewFileSystemError("open", cfg.FilePath, err)
	}
	defer file.Close()

	tr, err := transport.Open(cfg)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	// Unblock the session loop on cancellation
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	defer stop()

	header := protocol.FileHeader{Size: fileInfo.Size, Name: filepath.Base(cfg.FilePath)}
	stats := progress.NewStats(header.Name, header.Size)

	if cfg.ShowProgress {
		reporter := progress.NewReporter(stats, config.DefaultProgressInterval)
		reporter.Start()
		defer reporter.Stop()
	}

	rtt := network.NewRTTEstimator(cfg)
	session, err := NewSession(tr, bufio.NewReaderSize(file, cfg.PacketCapacity*cfg.WindowSize), header, Options{
		PacketCapacity: cfg.PacketCapacity,
		WindowSize:     cfg.WindowSize,
		MaxAttempts:    cfg.MaxAttempts,
		CloseAttempts:  cfg.CloseAttempts,
		RTT:            rtt,
		Progress:       stats,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := session.Run(ctx)

	if err == nil {
		digest, alg, herr := filesystem.HashFile(cfg.FilePath, filesystem.HashAlgorithm(cfg.HashAlgorithm))
		if herr != nil {
			slog.Warn("Failed to hash sent file", "error", herr)
		} else {
			result.Digest, result.Algorithm = digest, string(alg)
			slog.Info("File digest", "algorithm", alg, "digest", digest)
		}
	}

	loss := network.LossRate(result.DataPacketsSent, result.Retransmissions)
	logging.LogNetworkMetrics(rtt.SRTT, loss, network.Quality(rtt.SRTT, loss))
	logging.LogSessionEnd(err == nil, int64(result.BytesTransmitted), result.Duration)

	record(ctx, cfg, result, started, err)
	return result, err
}

// record stores the session in the history database when one is configured.
// Failures to record are logged only.
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
		Role:            "sender",
		Peer:            r.Peer,
		Name:            r.File,
		Size:            r.Size,
		Bytes:           int64(r.BytesTransmitted),
		Packets:         r.DataPacketsSent,
		Retransmissions: r.Retransmissions,
		Failures:        r.Failures,
		Timeouts:        r.Timeouts,
		Algorithm:       r.Algorithm,
		Digest:          r.Digest,
		Status:          history.StatusSuccess,
		Started:         started,
		Duration:        r.Duration,
	}
	if runErr != nil {
		entry.Status = history.StatusFailed
		entry.Error = runErr.Error()
	}

	// The run context may already be cancelled
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if _, err := store.Record(ctx, entry); err != nil {
		logging.LogError(err, "history")
	}
}
