// Package model holds the shared data types exchanged between Syndro's
// subsystems: devices discovered on the LAN, the items and transfers moving
// between them, and the bookkeeping records (pending requests, trust
// entries, encryption sessions, checkpoints) that back the transfer state
// machine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Platform identifies the operating system a Device reports in its beacon
// and /syndro.json responses.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformIOS     Platform = "ios"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps a raw string (as seen on the wire) to a known Platform,
// falling back to PlatformUnknown rather than rejecting the peer outright.
func ParsePlatform(s string) Platform {
	switch Platform(s) {
	case PlatformAndroid, PlatformWindows, PlatformLinux, PlatformMacOS, PlatformIOS:
		return Platform(s)
	default:
		return PlatformUnknown
	}
}

// Device is a peer discovered on the local network, either via UDP beacon
// or TCP probe scan.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Platform Platform  `json:"platform"`
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"lastSeen"`
	IsOnline bool      `json:"isOnline"`
}

// TransferItem describes one file or directory queued for transfer. Size
// on a directory item is the sum of its file descendants, computed by the
// caller before the item is queued.
type TransferItem struct {
	Name               string     `json:"name"`
	AbsolutePath       string     `json:"absolutePath"`
	Size               uint64     `json:"size"`
	IsDirectory        bool       `json:"isDirectory"`
	ParentRelativePath string     `json:"parentRelativePath,omitempty"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
	ModifiedAt         *time.Time `json:"modifiedAt,omitempty"`
}

// TransferStatus is the lifecycle state of a Transfer. Completed, Failed
// and Cancelled are terminal.
type TransferStatus string

const (
	StatusPending      TransferStatus = "pending"
	StatusConnecting   TransferStatus = "connecting"
	StatusTransferring TransferStatus = "transferring"
	StatusPaused       TransferStatus = "paused"
	StatusCompleted    TransferStatus = "completed"
	StatusFailed       TransferStatus = "failed"
	StatusCancelled    TransferStatus = "cancelled"
)

func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransferTransitions mirrors the teacher's explicit transition-table
// idiom (see manager.Session.TransitionTo): every allowed move is listed,
// everything else is rejected.
var validTransferTransitions = map[TransferStatus][]TransferStatus{
	StatusPending:      {StatusConnecting, StatusCancelled, StatusFailed},
	StatusConnecting:   {StatusTransferring, StatusPaused, StatusCancelled, StatusFailed},
	StatusTransferring: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:       {StatusTransferring, StatusCancelled, StatusFailed},
	StatusCompleted:    {},
	StatusFailed:       {},
	StatusCancelled:    {},
}

// CanTransition reports whether moving from `from` to `to` is allowed.
func CanTransition(from, to TransferStatus) bool {
	for _, allowed := range validTransferTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Progress tracks bytes moved against the declared total for a Transfer.
type Progress struct {
	BytesTransferred uint64 `json:"bytesTransferred"`
	TotalBytes       uint64 `json:"totalBytes"`
}

// Transfer is one logical move of TransferItems from SenderID to
// ReceiverID. At most one Transfer is active for a given ID at a time;
// engine maps enforce this.
type Transfer struct {
	ID           string         `json:"id"`
	SenderID     string         `json:"senderId"`
	ReceiverID   string         `json:"receiverId"`
	Items        []TransferItem `json:"items"`
	Status       TransferStatus `json:"status"`
	Progress     Progress       `json:"progress"`
	CreatedAt    time.Time      `json:"createdAt"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// TransitionTo validates and applies a status change, recording errMsg on
// failure states.
func (t *Transfer) TransitionTo(status TransferStatus, errMsg string) error {
	if !CanTransition(t.Status, status) {
		return &InvalidTransitionError{From: t.Status, To: status, Attempted: status}
	}
	t.Status = status
	if errMsg != "" {
		t.ErrorMessage = errMsg
	}
	return nil
}

// InvalidTransitionError reports a rejected Transfer state change.
type InvalidTransitionError struct {
	From      TransferStatus
	To        TransferStatus
	Attempted TransferStatus
}

func (e *InvalidTransitionError) Error() string {
	return "invalid transfer transition from " + string(e.From) + " to " + string(e.Attempted)
}

// PendingTransferRequest is an inbound initiate awaiting user approval. It
// is evicted after 5 minutes of no resolution (see the pending-request
// sweep, Engine.SweepExpiredPending, in the transfer package).
type PendingTransferRequest struct {
	RequestID       string         `json:"requestId"`
	SenderID        string         `json:"senderId"`
	SenderName      string         `json:"senderName"`
	SenderToken     string         `json:"senderToken"`
	Items           []TransferItem `json:"items"`
	CreatedAt       time.Time      `json:"createdAt"`
	SenderPublicKey []byte         `json:"senderPublicKey,omitempty"`
	IsParallel      bool           `json:"isParallel"`
	ParallelInit    any            `json:"parallelInit,omitempty"`
	IsTrusted       bool           `json:"isTrusted"`
}

// Expired reports whether the request has outlived the 5-minute pending
// window as of now.
func (p *PendingTransferRequest) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > 5*time.Minute
}

// TrustedDevice is a persisted sender identity that can bypass the
// approval prompt. Token comparisons must be constant-time.
type TrustedDevice struct {
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Token      string    `json:"token"`
	TrustedAt  time.Time `json:"trustedAt"`
}

// EncryptionSession is the shared secret negotiated between a local and
// remote device id pair. At most one live session exists per remote id; a
// fresh ECDH replaces the prior one.
type EncryptionSession struct {
	SessionID    string    `json:"sessionId"`
	SharedSecret [32]byte  `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Live reports whether the session secret may still be used.
func (s *EncryptionSession) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// SessionID builds the `localId-remoteId` key an EncryptionSession is
// stored under.
func SessionID(localID, remoteID string) string {
	return localID + "-" + remoteID
}

// DeriveTransferID computes the deterministic transfer id a Sender and
// Receiver will agree on for the same logical transfer: a 64-bit (8-byte)
// SHA-256 prefix of senderId||"->"||receiverId||"|"||join(items.name:size).
// Because the id depends only on the parties and the item set, a retried
// Send after a crash reuses the same id and can locate its prior
// checkpoint instead of starting over.
func DeriveTransferID(senderID, receiverID string, items []TransferItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.Name + ":" + strconv.FormatUint(it.Size, 10)
	}
	payload := senderID + "->" + receiverID + "|" + strings.Join(parts, ",")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}

// Checkpoint is the resumable progress record for one in-flight Transfer.
type Checkpoint struct {
	TransferID       string `json:"transferId"`
	FileID           string `json:"fileId"`
	BytesTransferred uint64 `json:"bytesTransferred"`
	Timestamp        int64  `json:"timestamp"`
	CurrentFileIndex int    `json:"currentFileIndex"`
	TotalFiles       int    `json:"totalFiles"`
	IsValid          bool   `json:"isValid"`
}

// ChunkWriter tracks which indexes of a parallel-mode receive have landed
// on disk. Implementations own the backing sparse temp file; this type is
// the pure bookkeeping half.
type ChunkWriter struct {
	FilePath      string
	TotalSize     uint64
	TotalChunks   int
	ChunkSize     uint64
	ReceivedSet   map[int]struct{}
	BytesReceived uint64
}

// NewChunkWriter builds the bookkeeping struct for a parallel receive of
// totalSize bytes split into chunkSize-sized pieces.
func NewChunkWriter(filePath string, totalSize, chunkSize uint64) *ChunkWriter {
	totalChunks := int((totalSize + chunkSize - 1) / chunkSize)
	if totalSize == 0 {
		totalChunks = 0
	}
	return &ChunkWriter{
		FilePath:    filePath,
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
		ReceivedSet: make(map[int]struct{}, totalChunks),
	}
}

// MarkReceived records that chunkIndex of length n bytes has landed;
// returns false if the index was already present (a no-op duplicate).
func (c *ChunkWriter) MarkReceived(chunkIndex int, n uint64) bool {
	if _, ok := c.ReceivedSet[chunkIndex]; ok {
		return false
	}
	c.ReceivedSet[chunkIndex] = struct{}{}
	c.BytesReceived += n
	return true
}

// Complete reports whether every chunk index has been received.
func (c *ChunkWriter) Complete() bool {
	return len(c.ReceivedSet) == c.TotalChunks
}

// Missing returns the sorted list of chunk indexes not yet received.
func (c *ChunkWriter) Missing() []int {
	missing := make([]int, 0)
	for i := 0; i < c.TotalChunks; i++ {
		if _, ok := c.ReceivedSet[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}
