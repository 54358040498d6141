/*
Copyright 2025 The udpfileshare Authors. All rights reserved.
Use of this source code is governed by the MIT license
that can be found in the LICENSE file.

udpfileshare moves a single file between two hosts over UDP. Reliability comes
from a go-back-N sliding window: every data packet carries an index and an MD5
digest of its payload, the receiver accepts packets strictly in order and
answers each with an ACK or NACK, and the sender retransmits from the first
unacknowledged packet after a NACK or a timeout.

The program operates in two modes:

1. Sender Mode (-send): waits for a receiver, announces the file and streams it

2. Receiver Mode: connects to a sender, writes the file to the output directory

A kcp-based stream transport can be selected with -transport kcp. With
-history, every session is recorded and -history-list N prints the latest N.
*/
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"udpfileshare/internal/config"
	"udpfileshare/internal/history"
	"udpfileshare/internal/logging"
	"udpfileshare/internal/progress"
	"udpfileshare/internal/receiver"
	"udpfileshare/internal/sender"
)

func main() {
	// Parse command line arguments
	cfg, err := config.ParseFlags()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	if err := logging.SetupLogger(cfg.Debug); err != nil {
		slog.Error("Failed to setup logging", "error", err)
		os.Exit(1)
	}

	if cfg.HistoryList > 0 {
		if err := listHistory(context.Background(), os.Stdout, cfg); err != nil {
			logging.LogError(err, "history")
			os.Exit(1)
		}
		return
	}

	// Log configuration
	logging.LogConfig(cfg)

	// Cancel the session on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunDuration)
		defer cancel()
	}

	if err := run(ctx, cfg); err != nil {
		stop()
		os.Exit(1)
	}
}

// run executes the configured role and prints its summary
func run(ctx context.Context, cfg *config.Config) error {
	var summary progress.Summary
	var err error

	if cfg.IsSender {
		var res *sender.Result
		res, err = sender.Run(ctx, cfg)
		if res != nil {
			summary = res.Summary(err)
		}
	} else {
		var res *receiver.Result
		res, err = receiver.Run(ctx, cfg)
		if res != nil {
			summary = res.Summary(err)
		}
	}

	if err != nil {
		logging.LogError(err, cfg.Role())
	}
	if summary.Role != "" {
		progress.PrintSummary(os.Stdout, summary)
	}
	return err
}

// listHistory prints the most recent sessions from the history database
func listHistory(ctx context.Context, w io.Writer, cfg *config.Config) error {
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(ctx, cfg.HistoryList)
	if err != nil {
		return err
	}
	progress.PrintHistory(w, entries)
	return nil
}
