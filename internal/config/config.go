// Package config holds the daemon's tunable parameters and their
// platform-appropriate defaults.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ParallelClass is one row of the RAM-class-keyed parallel transfer table.
type ParallelClass struct {
	Connections int
	ChunkSize   int64
	MinParallel int64
}

// Config holds daemon configuration.
type Config struct {
	HTTPAddress   string
	HTTPPortTries int // number of successive ports tried after HTTPAddress's port
	UDPBeaconPort int
	UDPPortTries  int

	DataDirectory       string
	DownloadDirectory   string
	SecretStorePath     string
	CheckpointDirectory string
	HistoryStorePath    string

	SequentialChunkSize int64
	MaxChunkRecordSize  int64 // 100 MiB decrypt cap, both modes
	ParallelBufferCap   int64 // receiver's bounded frame buffer for encrypted sequential uploads (syndrod passes it as SequentialBufferCap)

	InitiateTimeout      time.Duration
	ApprovalPollInterval time.Duration
	ApprovalPollTimeout  time.Duration
	ProbeConnectTimeout  time.Duration
	MetadataFetchTimeout time.Duration
	KeyExchangeTimeout   time.Duration
	RetryWrapperTimeout  time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	BeaconInterval    time.Duration
	DeviceTTL         time.Duration
	DeviceSweepPeriod time.Duration
	ProbeScanBatch    int
	ProbeScanCap      int
	ProbeServicePorts []int

	TrustTokenTTL time.Duration

	MaxConcurrentTransfers int
	EventBufferSize        int
}

// DefaultParallelClasses is keyed by device RAM class, smallest first;
// pick the first row whose ceiling is not exceeded, falling back to the
// last row for anything larger.
var DefaultParallelClasses = []struct {
	MaxRAMBytes int64
	Class       ParallelClass
}{
	{MaxRAMBytes: 2 << 30, Class: ParallelClass{Connections: 1, ChunkSize: 256 << 10, MinParallel: 10 << 20}},
	{MaxRAMBytes: 4 << 30, Class: ParallelClass{Connections: 2, ChunkSize: 512 << 10, MinParallel: 5 << 20}},
	{MaxRAMBytes: 8 << 30, Class: ParallelClass{Connections: 8, ChunkSize: 2 << 20, MinParallel: 10 << 20}},
}

// DefaultParallelClassAbove8GB is used for any device reporting more than 8 GiB of RAM.
var DefaultParallelClassAbove8GB = ParallelClass{Connections: 12, ChunkSize: 4 << 20, MinParallel: 10 << 20}

// ParallelClassForRAM selects the row matching a detected RAM size.
func ParallelClassForRAM(totalRAMBytes int64) ParallelClass {
	for _, row := range DefaultParallelClasses {
		if totalRAMBytes <= row.MaxRAMBytes {
			return row.Class
		}
	}
	return DefaultParallelClassAbove8GB
}

// Default returns the default configuration, rooted under the user's home
// directory the way the daemon lays out its own state.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "syndro")

	return &Config{
		HTTPAddress:   "0.0.0.0:8765",
		HTTPPortTries: 5,
		UDPBeaconPort: 8771,
		UDPPortTries:  5,

		DataDirectory:       dataDir,
		DownloadDirectory:   filepath.Join(homeDir, "Downloads", "Syndro"),
		SecretStorePath:     filepath.Join(dataDir, "secrets.db"),
		CheckpointDirectory: filepath.Join(dataDir, "checkpoints"),
		HistoryStorePath:    filepath.Join(dataDir, "history.db"),

		SequentialChunkSize: 1 << 20, // 1 MiB
		MaxChunkRecordSize:  100 << 20,
		ParallelBufferCap:   10 << 20,

		InitiateTimeout:      15 * time.Second,
		ApprovalPollInterval: 500 * time.Millisecond,
		ApprovalPollTimeout:  5 * time.Minute,
		ProbeConnectTimeout:  500 * time.Millisecond,
		MetadataFetchTimeout: 800 * time.Millisecond,
		KeyExchangeTimeout:   10 * time.Second,
		RetryWrapperTimeout:  30 * time.Second,

		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,

		BeaconInterval:    5 * time.Second,
		DeviceTTL:         60 * time.Second,
		DeviceSweepPeriod: 30 * time.Second,
		ProbeScanBatch:    200,
		ProbeScanCap:      500,
		ProbeServicePorts: []int{8765, 8766, 8767, 8768, 8769, 8770, 50050, 50500},

		TrustTokenTTL: 90 * 24 * time.Hour,

		MaxConcurrentTransfers: 10,
		EventBufferSize:        100,
	}
}

// Load reads configuration from configPath if it exists, overlaying it on
// Default(); an absent file is not an error. Config carries no JSON tags,
// so the file's keys are the Config field names (matched
// case-insensitively); fields absent from the file keep their defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
