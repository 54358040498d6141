package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Constants for default values
const (
	DefaultPacketCapacity      = 1024
	DefaultWindowSize          = 8
	DefaultRetransmitTimeout   = 1 * time.Second
	DefaultMaxAttempts         = 0 // unbounded
	DefaultCloseAttempts       = 5
	DefaultMinRTO              = 50 * time.Millisecond
	DefaultMaxRTO              = 5 * time.Second
	DefaultSenderListenAddr    = "0.0.0.0:9000"
	DefaultReceiverListenAddr  = ":0"
	DefaultPeerAddr            = "localhost:9000"
	DefaultOutputDir           = "./received"
	DefaultTransport           = TransportUDP
	DefaultProgressInterval    = 1 * time.Second
	DefaultProgressQuietPeriod = 500 * time.Millisecond

	// Wire limits
	MaxPacketCapacity = 65507 - 48 // largest UDP payload minus the data header
	MaxWindowSize     = 4096

	// Network constants
	UDPBufferSize  = 4 * 1024 * 1024 // 4MB
	HashBufferSize = 4 * 1024 * 1024 // 4MB

	// File system constants
	PartialFileExt = ".part"
	LogDirPerms    = 0755
	OutputPerms    = 0644
)

// Transport modes
const (
	TransportUDP = "udp"
	TransportKCP = "kcp"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Sender mode settings
	IsSender bool
	FilePath string

	// Receiver mode settings
	PeerAddress string
	OutputDir   string

	// Common parameters
	ListenAddress     string
	Transport         string
	PacketCapacity    int
	WindowSize        int
	RetransmitTimeout time.Duration
	MaxAttempts       int
	CloseAttempts     int
	RunDuration       time.Duration
	HashAlgorithm     string
	HistoryPath       string
	HistoryList       int // print this many history entries instead of transferring
	ShowProgress      bool
	AdaptiveTimeout   bool
	MinRTO            time.Duration
	MaxRTO            time.Duration
	TOS               int
	Debug             bool
}

// Default returns a configuration with every option at its default value
func Default() *Config {
	return &Config{
		PeerAddress:       DefaultPeerAddr,
		OutputDir:         DefaultOutputDir,
		ListenAddress:     DefaultReceiverListenAddr,
		Transport:         DefaultTransport,
		PacketCapacity:    DefaultPacketCapacity,
		WindowSize:        DefaultWindowSize,
		RetransmitTimeout: DefaultRetransmitTimeout,
		MaxAttempts:       DefaultMaxAttempts,
		CloseAttempts:     DefaultCloseAttempts,
		MinRTO:            DefaultMinRTO,
		MaxRTO:            DefaultMaxRTO,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PacketCapacity <= 0 || c.PacketCapacity > MaxPacketCapacity {
		return fmt.Errorf("packet capacity must be between 1 and %d", MaxPacketCapacity)
	}
	if c.WindowSize <= 0 || c.WindowSize > MaxWindowSize {
		return fmt.Errorf("window size must be between 1 and %d", MaxWindowSize)
	}
	if c.RetransmitTimeout <= 0 {
		return fmt.Errorf("retransmission timeout must be positive")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}
	if c.CloseAttempts <= 0 {
		return fmt.Errorf("close attempts must be positive")
	}
	if c.RunDuration < 0 {
		return fmt.Errorf("run duration cannot be negative")
	}
	if c.Transport != TransportUDP && c.Transport != TransportKCP {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.AdaptiveTimeout && (c.MinRTO <= 0 || c.MaxRTO <= 0 || c.MinRTO > c.MaxRTO) {
		return fmt.Errorf("invalid adaptive timeout configuration")
	}
	if c.TOS < 0 || c.TOS > 255 {
		return fmt.Errorf("tos must be between 0 and 255")
	}
	switch c.HashAlgorithm {
	case "", "md5", "sha256", "blake2b":
	default:
		return fmt.Errorf("unsupported hash algorithm %q", c.HashAlgorithm)
	}

	if c.HistoryList < 0 {
		return fmt.Errorf("history list count cannot be negative")
	}
	if c.HistoryList > 0 {
		if c.HistoryPath == "" {
			return fmt.Errorf("history list requires a history database")
		}
		// Listing needs no peer and no file
		return nil
	}

	if c.IsSender && c.FilePath == "" {
		return fmt.Errorf("file path is required in sender mode")
	}
	if !c.IsSender && c.PeerAddress == "" {
		return fmt.Errorf("peer address is required in receiver mode")
	}

	return nil
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() (*Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	// Sender flags
	isSender := fs.Bool("send", false, "Run in sender mode (receiver otherwise)")
	filePath := fs.String("file", "", "File to send (sender mode)")

	// Receiver flags
	peerAddr := fs.String("connect", DefaultPeerAddr, "Sender address to receive from (receiver mode)")
	outputDir := fs.String("output", DefaultOutputDir, "Directory to store received files (receiver mode)")

	// Common flags
	listenAddr := fs.String("listen", "", "Local address (sender default "+DefaultSenderListenAddr+", receiver default "+DefaultReceiverListenAddr+")")
	transport := fs.String("transport", DefaultTransport, "Transport mode: udp (datagram) or kcp (stream)")
	packetCapacity := fs.Int("packet", DefaultPacketCapacity, "Payload bytes per packet")
	windowSize := fs.Int("window", DefaultWindowSize, "Maximum packets in flight")
	timeout := fs.Duration("timeout", DefaultRetransmitTimeout, "Retransmission timeout")
	attempts := fs.Int("attempts", DefaultMaxAttempts, "Consecutive timeouts tolerated before giving up (0 = unbounded)")
	closeAttempts := fs.Int("close-attempts", DefaultCloseAttempts, "Attempts for the closing statistics exchange")
	duration := fs.Duration("duration", 0, "Upper bound for a whole session (0 = none)")
	hashAlgo := fs.String("hash", "", "Whole-file digest: md5, sha256 or blake2b (default by file size)")
	historyPath := fs.String("history", "", "Transfer history database file (empty disables)")
	historyList := fs.Int("history-list", 0, "Print the N most recent transfers from -history and exit")
	showProgress := fs.Bool("progress", true, "Log progress during transfer")
	adaptive := fs.Bool("adaptive", false, "Derive the retransmission timeout from measured RTT")
	minRTO := fs.Duration("min-rto", DefaultMinRTO, "Lower bound for the adaptive timeout")
	maxRTO := fs.Duration("max-rto", DefaultMaxRTO, "Upper bound for the adaptive timeout")
	tos := fs.Int("tos", 0, "IPv4 TOS byte for outgoing datagrams (0 keeps the system default)")
	debug := fs.Bool("debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	listen := *listenAddr
	if listen == "" {
		listen = DefaultReceiverListenAddr
		if *isSender {
			listen = DefaultSenderListenAddr
		}
	}

	config := &Config{
		IsSender:          *isSender,
		FilePath:          *filePath,
		PeerAddress:       *peerAddr,
		OutputDir:         *outputDir,
		ListenAddress:     listen,
		Transport:         *transport,
		PacketCapacity:    *packetCapacity,
		WindowSize:        *windowSize,
		RetransmitTimeout: *timeout,
		MaxAttempts:       *attempts,
		CloseAttempts:     *closeAttempts,
		RunDuration:       *duration,
		HashAlgorithm:     *hashAlgo,
		HistoryPath:       *historyPath,
		HistoryList:       *historyList,
		ShowProgress:      *showProgress,
		AdaptiveTimeout:   *adaptive,
		MinRTO:            *minRTO,
		MaxRTO:            *maxRTO,
		TOS:               *tos,
		Debug:             *debug,
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Role returns the human readable role name
func (c *Config) Role() string {
	if c.IsSender {
		return "Sender"
	}
	return "Receiver"
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	return fmt.Sprintf("Config{Mode: %s, Transport: %s, PacketCapacity: %d, WindowSize: %d, Timeout: %v, MaxAttempts: %d}",
		c.Role(), c.Transport, c.PacketCapacity, c.WindowSize, c.RetransmitTimeout, c.MaxAttempts)
}
