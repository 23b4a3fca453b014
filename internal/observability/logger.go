package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across every subsystem.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger tagged with service/version
// and the local hostname.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithTransfer adds transfer_id context to the logger.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{logger: l.logger.With().Str("transfer_id", transferID).Logger()}
}

// WithPeer adds peer_id context to the logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{logger: l.logger.With().Str("peer_id", peerID).Logger()}
}

// WithFile adds file context to the logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

func (l *Logger) Debug(msg string)          { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)           { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)           { l.logger.Warn().Msg(msg) }
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// TransferStarted logs a transfer entering the transferring state.
func (l *Logger) TransferStarted(transferID string, totalBytes uint64, itemCount int) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Uint64("total_bytes", totalBytes).
		Int("item_count", itemCount).
		Msg("transfer started")
}

// ChunkSent logs one parallel-mode chunk leaving the sender.
func (l *Logger) ChunkSent(transferID string, chunkIndex int, chunkSize int) {
	l.logger.Debug().
		Str("transfer_id", transferID).
		Int("chunk_index", chunkIndex).
		Int("chunk_size", chunkSize).
		Msg("chunk sent")
}

// TransferProgress logs periodic progress for a transfer.
func (l *Logger) TransferProgress(transferID string, bytesTransferred, totalBytes uint64, rateMbps float64) {
	percent := float64(0)
	if totalBytes > 0 {
		percent = float64(bytesTransferred) / float64(totalBytes) * 100.0
	}
	l.logger.Info().
		Str("transfer_id", transferID).
		Uint64("bytes_transferred", bytesTransferred).
		Uint64("total_bytes", totalBytes).
		Float64("progress_percent", percent).
		Float64("rate_mbps", rateMbps).
		Msg("transfer progress")
}

// TransferCompleted logs a transfer reaching the completed state.
func (l *Logger) TransferCompleted(transferID string, totalBytes uint64, duration time.Duration) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Uint64("total_bytes", totalBytes).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed")
}

// ChunkDecryptFailed logs a per-chunk authentication failure.
func (l *Logger) ChunkDecryptFailed(transferID string, chunkIndex int, err error) {
	l.logger.Error().
		Str("transfer_id", transferID).
		Int("chunk_index", chunkIndex).
		Err(err).
		Msg("chunk decryption failed")
}

// PeerDiscovered logs a newly admitted device.
func (l *Logger) PeerDiscovered(deviceID, addr string, via string) {
	l.logger.Info().
		Str("device_id", deviceID).
		Str("addr", addr).
		Str("via", via).
		Msg("peer discovered")
}

// PeerEvicted logs a stale device dropping out of the registry.
func (l *Logger) PeerEvicted(deviceID string) {
	l.logger.Info().Str("device_id", deviceID).Msg("peer evicted (stale)")
}

// ConnectionFailed logs an outbound HTTP connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().Str("remote_addr", remoteAddr).Err(err).Msg("connection failed")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
