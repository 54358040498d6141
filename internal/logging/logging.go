package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"udpfileshare/internal/config"
	"udpfileshare/internal/errors"
	"udpfileshare/internal/filesystem"
)

var level = new(slog.LevelVar)

// SetupLogger initializes structured logging with file and console output
func SetupLogger(debug bool) error {
	SetDebug(debug)

	// Create logs directory if it doesn't exist
	if err := filesystem.EnsureDirectoryExists("logs"); err != nil {
		return err
	}

	// Create log file with timestamp
	logFileName := filepath.Join("logs",
		"udpfileshare_"+time.Now().Format("20060102_150405")+".log")

	var out io.Writer = os.Stdout
	logFile, err := os.Create(logFileName)
	if err != nil {
		// Continue with console logging only
		slog.Warn("Failed to create log file, using console only", "error", err)
	} else {
		out = io.MultiWriter(os.Stdout, logFile)
	}

	slog.SetDefault(slog.New(NewHandler(out)))

	slog.Info("Logging initialized", "session_id", time.Now().Format("20060102_150405"))
	return nil
}

// NewHandler returns the text handler used by the application. Its level
// follows SetDebug.
func NewHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: false,
	})
}

// SetDebug switches between Info and Debug level
func SetDebug(debug bool) {
	if debug {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// LogConfig logs the current configuration
func LogConfig(cfg *config.Config) {
	slog.Info("Configuration loaded",
		"mode", cfg.Role(),
		"transport", cfg.Transport,
		"packet_capacity", cfg.PacketCapacity,
		"window_size", cfg.WindowSize,
		"retransmit_timeout", cfg.RetransmitTimeout,
		"max_attempts", cfg.MaxAttempts,
		"adaptive_timeout", cfg.AdaptiveTimeout)

	if cfg.IsSender {
		var fileSizeKB float64
		if fileInfo, err := os.Stat(cfg.FilePath); err == nil {
			fileSizeKB = float64(fileInfo.Size()) / 1024
		}

		slog.Info("Sender configuration",
			"listen_address", cfg.ListenAddress,
			"file_size_kb", fileSizeKB,
			"estimated_packets", int64(fileSizeKB*1024+float64(cfg.PacketCapacity)-1)/int64(cfg.PacketCapacity))
	} else {
		slog.Info("Receiver configuration",
			"sender_address", cfg.PeerAddress,
			"listen_address", cfg.ListenAddress,
			"output_dir", cfg.OutputDir)
	}
}

// LogError logs an error with appropriate context
func LogError(err error, context string) {
	var (
		netErr      *errors.NetworkError
		timeoutErr  *errors.TimeoutError
		fsErr       *errors.FileSystemError
		protoErr    *errors.ProtocolError
		validateErr *errors.ValidationError
	)

	switch {
	case errors.As(err, &netErr):
		slog.Error("Network error",
			"context", context,
			"operation", netErr.Op,
			"address", netErr.Addr,
			"error", netErr.Err,
			"error_type", "network")
	case errors.As(err, &timeoutErr):
		slog.Error("Timeout",
			"context", context,
			"operation", timeoutErr.Op,
			"timeout", timeoutErr.Timeout,
			"error_type", "timeout")
	case errors.As(err, &fsErr):
		slog.Error("File system error",
			"context", context,
			"operation", fsErr.Op,
			"error", fsErr.Err,
			"error_type", "filesystem")
	case errors.As(err, &protoErr):
		slog.Error("Protocol error",
			"context", context,
			"operation", protoErr.Op,
			"message", protoErr.Message,
			"error_type", "protocol")
	case errors.As(err, &validateErr):
		slog.Error("Validation error",
			"context", context,
			"field", validateErr.Field,
			"message", validateErr.Message,
			"error_type", "validation")
	case errors.Is(err, errors.ErrCancelled):
		slog.Warn("Transfer cancelled", "context", context)
	default:
		slog.Error("Unhandled error",
			"context", context,
			"error", err,
			"error_type", "unknown")
	}
}

// LogTransferProgress logs transfer progress information
func LogTransferProgress(filename string, transferred, total int64, rate float64) {
	percent := 100.0
	if total > 0 {
		percent = float64(transferred) / float64(total) * 100
	}
	slog.Info("Transfer progress",
		"file", filename,
		"transferred_kb", float64(transferred)/1024,
		"total_kb", float64(total)/1024,
		"percent_complete", percent,
		"transfer_rate_mbps", rate,
		"remaining_kb", float64(total-transferred)/1024)
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(filename string, size int64, duration time.Duration) {
	slog.Info("Transfer completed successfully",
		"file", filename,
		"total_size_kb", float64(size)/1024,
		"duration", duration.Round(time.Millisecond),
		"average_rate_mbps", rateMBps(size, duration),
		"timestamp", time.Now().Format("15:04:05"))
}

// LogPacket logs one protocol event at debug level
func LogPacket(event string, index uint64, attrs ...any) {
	slog.Debug("Packet "+event, append([]any{"index", index}, attrs...)...)
}

// LogNetworkMetrics logs network performance metrics
func LogNetworkMetrics(rtt time.Duration, lossRate float64, quality string) {
	slog.Info("Network metrics",
		"round_trip_time_ms", rtt.Milliseconds(),
		"retransmission_percent", lossRate*100,
		"network_quality", quality)
}

// LogSessionStart logs the start of a transfer session
func LogSessionStart(mode string, totalSize int64, packetCapacity, windowSize int) {
	totalPackets := (totalSize + int64(packetCapacity) - 1) / int64(packetCapacity) // Ceiling division
	slog.Info("Transfer session started",
		"mode", mode,
		"total_size_kb", float64(totalSize)/1024,
		"packet_capacity", packetCapacity,
		"total_packets", totalPackets,
		"window_size", windowSize,
		"session_start", time.Now().Format("15:04:05"))
}

// LogSessionEnd logs the end of a transfer session
func LogSessionEnd(success bool, totalBytes int64, duration time.Duration) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}

	slog.Info("Transfer session ended",
		"status", status,
		"total_bytes_transferred", totalBytes,
		"session_duration", duration.Round(time.Millisecond),
		"average_throughput_mbps", rateMBps(totalBytes, duration),
		"session_end", time.Now().Format("15:04:05"))
}

func rateMBps(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) / (1024 * 1024) / d.Seconds()
}
