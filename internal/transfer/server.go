// Package transfer implements the HTTP transfer engine: the endpoints
// peers call on each other, the outbound sender state machine, and the
// parallel and sequential upload paths that move bytes between them.
package transfer

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/syndro-project/syndro/internal/checkpoint"
	syndrocrypto "github.com/syndro-project/syndro/internal/crypto"
	"github.com/syndro-project/syndro/internal/external"
	"github.com/syndro-project/syndro/internal/model"
	"github.com/syndro-project/syndro/internal/observability"
	"github.com/syndro-project/syndro/internal/truststore"
)

// JSONError is the body of every non-2xx response.
type JSONError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, JSONError{Code: code, Message: message})
}

// Identity is this node's self-description, used to answer /syndro.json.
type Identity struct {
	ID        string
	Name      string
	Platform  model.Platform
	PublicKey []byte
}

// Engine is the TransferEngine: it owns the in-memory transfer state, the
// trust store, the checkpoint store, and the event publisher, and exposes
// them over HTTP.
type Engine struct {
	self        Identity
	state       *state
	trust       *truststore.Store
	checkpoints *checkpoint.Store
	events      *EventPublisher
	logger      *observability.Logger
	metrics     *observability.Metrics
	db          external.Database

	downloadRoot        string
	autoAcceptTrusted   bool
	maxFileSize         uint64
	sequentialBufferCap int64
	maxChunkRecordSize  int64

	listener net.Listener
	server   *http.Server
}

// EngineConfig bundles the tunables Engine needs from internal/config.
type EngineConfig struct {
	DownloadRoot        string
	AutoAcceptTrusted   bool
	MaxFileSize         uint64
	SequentialBufferCap int64
	MaxChunkRecordSize  int64
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(self Identity, trust *truststore.Store, checkpoints *checkpoint.Store, events *EventPublisher, logger *observability.Logger, metrics *observability.Metrics, cfg EngineConfig) *Engine {
	return &Engine{
		self:                self,
		state:               newState(),
		trust:               trust,
		checkpoints:         checkpoints,
		events:              events,
		logger:              logger,
		metrics:             metrics,
		downloadRoot:        cfg.DownloadRoot,
		autoAcceptTrusted:   cfg.AutoAcceptTrusted,
		maxFileSize:         cfg.MaxFileSize,
		sequentialBufferCap: cfg.SequentialBufferCap,
		maxChunkRecordSize:  cfg.MaxChunkRecordSize,
	}
}

// ListenAndServe binds the engine's HTTP server on the first free port in
// [port, port+5] and serves until Shutdown is called. First bind success
// wins; the actually-bound address is returned.
func (e *Engine) ListenAndServe(port int) (string, error) {
	mux := http.NewServeMux()
	e.registerRoutes(mux)

	var lastErr error
	for p := port; p <= port+5; p++ {
		addr := fmt.Sprintf("0.0.0.0:%d", p)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		e.listener = ln
		e.server = &http.Server{Handler: mux}
		go func() {
			// Errors here are expected on graceful Shutdown; swallow them.
			_ = e.server.Serve(ln)
		}()
		return ln.Addr().String(), nil
	}
	return "", fmt.Errorf("transfer: bind ports %d-%d: %w", port, port+5, lastErr)
}

// Shutdown stops accepting connections and releases the listener.
func (e *Engine) Shutdown() error {
	if e.server == nil {
		return nil
	}
	return e.server.Close()
}

func (e *Engine) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/syndro.json", e.handleIdentity)
	mux.HandleFunc("/key-exchange", e.handleKeyExchange)
	mux.HandleFunc("/transfer/initiate", e.handleInitiate)
	mux.HandleFunc("/transfer/approval/", e.handleApprovalStatus)
	mux.HandleFunc("/transfer/upload", e.handleUpload(false))
	mux.HandleFunc("/transfer/upload-encrypted", e.handleUpload(true))
	mux.HandleFunc("/transfer/parallel/initiate", e.handleParallelInitiate)
	mux.HandleFunc("/transfer/chunk", e.handleChunk)
	mux.HandleFunc("/transfer/parallel/complete", e.handleParallelComplete)
	mux.HandleFunc("/transfer/status/", e.handleStatus)
}

// --- /syndro.json ---

type identityResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	OS         string `json:"os"`
	Platform   string `json:"platform"`
	Version    string `json:"version"`
	Encryption bool   `json:"encryption"`
	PublicKey  []byte `json:"publicKey,omitempty"`
}

func (e *Engine) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{
		ID:         e.self.ID,
		Name:       e.self.Name,
		OS:         string(e.self.Platform),
		Platform:   string(e.self.Platform),
		Version:    "2.0",
		Encryption: len(e.self.PublicKey) > 0,
		PublicKey:  e.self.PublicKey,
	})
}

// --- /key-exchange ---

type keyExchangeRequest struct {
	DeviceID  string `json:"deviceId"`
	PublicKey []byte `json:"publicKey"`
}

type keyExchangeResponse struct {
	DeviceID  string `json:"deviceId"`
	PublicKey []byte `json:"publicKey"`
}

func (e *Engine) handleKeyExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req keyExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}

	kp, err := syndrocrypto.NewKeyPair()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "key generation failed")
		return
	}
	secret, err := syndrocrypto.Derive(kp.PrivateKey, req.PublicKey)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid public key")
		return
	}

	now := time.Now()
	e.state.putSession(&model.EncryptionSession{
		SessionID:    model.SessionID(e.self.ID, req.DeviceID),
		SharedSecret: secret,
		CreatedAt:    now,
		ExpiresAt:    now.Add(15 * time.Minute),
	})

	writeJSON(w, http.StatusOK, keyExchangeResponse{DeviceID: e.self.ID, PublicKey: kp.PublicKey[:]})
}

// --- /transfer/initiate ---

type initiateRequest struct {
	ID          string              `json:"id"`
	SenderID    string              `json:"senderId"`
	SenderName  string              `json:"senderName"`
	SenderToken string              `json:"senderToken"`
	ReceiverID  string              `json:"receiverId"`
	Items       []model.TransferItem `json:"items"`
	PublicKey   []byte              `json:"publicKey,omitempty"`
}

type initiateResponse struct {
	Status     string `json:"status"`
	TransferID string `json:"transferId,omitempty"`
	Authorized bool   `json:"authorized,omitempty"`
	Encryption bool   `json:"encryption,omitempty"`
	PublicKey  []byte `json:"publicKey,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// maxFileSizeDefault is the 100 GiB sender/receiver size ceiling.
const maxFileSizeDefault = 100 << 30

func (e *Engine) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}

	var total uint64
	for _, it := range req.Items {
		total += it.Size
	}
	limit := e.maxFileSize
	if limit == 0 {
		limit = maxFileSizeDefault
	}
	if total > limit {
		writeJSONError(w, http.StatusBadRequest, "TOO_LARGE", "transfer exceeds maximum size")
		return
	}

	trusted := e.autoAcceptTrusted && e.trust.VerifyToken(req.SenderID, req.SenderToken)
	if trusted {
		t := &model.Transfer{
			ID:         req.ID,
			SenderID:   req.SenderID,
			ReceiverID: req.ReceiverID,
			Items:      req.Items,
			Status:     model.StatusPending,
			Progress:   model.Progress{TotalBytes: total},
			CreatedAt:  time.Now(),
		}
		e.state.putTransfer(t)

		var pub []byte
		encryption := len(req.PublicKey) > 0
		if encryption {
			kp, err := syndrocrypto.NewKeyPair()
			if err == nil {
				if secret, err := syndrocrypto.Derive(kp.PrivateKey, req.PublicKey); err == nil {
					now := time.Now()
					e.state.putSession(&model.EncryptionSession{
						SessionID:    model.SessionID(e.self.ID, req.SenderID),
						SharedSecret: secret,
						CreatedAt:    now,
						ExpiresAt:    now.Add(15 * time.Minute),
					})
					pub = kp.PublicKey[:]
				}
			}
		}

		writeJSON(w, http.StatusOK, initiateResponse{
			Status:     "accepted",
			TransferID: t.ID,
			Authorized: true,
			Encryption: encryption,
			PublicKey:  pub,
		})
		return
	}

	requestID := uuid.NewString()
	pending := &model.PendingTransferRequest{
		RequestID:       requestID,
		SenderID:        req.SenderID,
		SenderName:      req.SenderName,
		SenderToken:     req.SenderToken,
		Items:           req.Items,
		CreatedAt:       time.Now(),
		SenderPublicKey: req.PublicKey,
	}
	e.state.putPending(pending)
	e.events.PublishApprovalRequested(requestID)

	writeJSON(w, http.StatusOK, initiateResponse{Status: "pending_approval", RequestID: requestID})
}

// Approve resolves a pending request affirmatively, optionally trusting
// the sender, and registers the resulting Transfer.
func (e *Engine) Approve(requestID, transferID string, trust bool) (*model.Transfer, []byte, error) {
	pending, ok := e.state.getPending(requestID)
	if !ok {
		return nil, nil, fmt.Errorf("transfer: pending request %s not found", requestID)
	}
	e.state.removePending(requestID)

	if trust {
		e.trust.Trust(model.TrustedDevice{SenderID: pending.SenderID, SenderName: pending.SenderName, Token: pending.SenderToken})
	}

	var total uint64
	for _, it := range pending.Items {
		total += it.Size
	}
	t := &model.Transfer{
		ID:         transferID,
		SenderID:   pending.SenderID,
		Items:      pending.Items,
		Status:     model.StatusPending,
		Progress:   model.Progress{TotalBytes: total},
		CreatedAt:  time.Now(),
	}
	e.state.putTransfer(t)

	var pub []byte
	if len(pending.SenderPublicKey) > 0 {
		kp, err := syndrocrypto.NewKeyPair()
		if err == nil {
			if secret, err := syndrocrypto.Derive(kp.PrivateKey, pending.SenderPublicKey); err == nil {
				now := time.Now()
				e.state.putSession(&model.EncryptionSession{
					SessionID:    model.SessionID(e.self.ID, pending.SenderID),
					SharedSecret: secret,
					CreatedAt:    now,
					ExpiresAt:    now.Add(15 * time.Minute),
				})
				pub = kp.PublicKey[:]
			}
		}
	}
	e.state.putResolved(requestID, &approvalResolution{accepted: true, transferID: t.ID, publicKey: pub})
	return t, pub, nil
}

// Reject resolves a pending request negatively.
func (e *Engine) Reject(requestID string) {
	e.state.removePending(requestID)
	e.state.putResolved(requestID, &approvalResolution{accepted: false})
}

// SweepExpiredPending evicts every pending approval request older than 5
// minutes and reports how many were removed, for a caller to schedule
// periodically alongside the trust-store prune sweep.
func (e *Engine) SweepExpiredPending() int {
	return len(e.state.sweepExpiredPending())
}

// SetDatabase attaches a transfer-history recorder. Completed and failed
// transfers are recorded through it once set; with none attached,
// recordTransfer is a no-op, matching the rest of the external
// collaborators' optional-wiring contract.
func (e *Engine) SetDatabase(db external.Database) {
	e.db = db
}

// recordTransfer best-effort persists one transfer's outcome. Failures to
// record are logged, not propagated: history is an observability aid, not
// part of the wire contract.
func (e *Engine) recordTransfer(transferID string, success bool, totalBytes uint64) {
	if e.db == nil {
		return
	}
	if err := e.db.RecordTransfer(context.Background(), transferID, success, totalBytes); err != nil {
		e.logger.Error(err, "failed to record transfer history")
	}
}

// --- /transfer/approval/{requestId} ---

type approvalStatusResponse struct {
	Status     string `json:"status"`
	TransferID string `json:"transferId,omitempty"`
	PublicKey  []byte `json:"publicKey,omitempty"`
}

func (e *Engine) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := pathSuffix(r.URL.Path, "/transfer/approval/")

	if res, ok := e.state.takeResolved(requestID); ok {
		if res.accepted {
			writeJSON(w, http.StatusOK, approvalStatusResponse{Status: "accepted", TransferID: res.transferID, PublicKey: res.publicKey})
		} else {
			writeJSON(w, http.StatusOK, approvalStatusResponse{Status: "rejected"})
		}
		return
	}
	if _, ok := e.state.getPending(requestID); ok {
		writeJSON(w, http.StatusOK, approvalStatusResponse{Status: "pending"})
		return
	}
	writeJSON(w, http.StatusOK, approvalStatusResponse{Status: "expired"})
}

func pathSuffix(path, prefix string) string {
	if len(path) <= len(prefix) {
		return ""
	}
	return path[len(prefix):]
}

// --- /transfer/status/{id} ---

type statusResponse struct {
	Status           string `json:"status"`
	BytesTransferred uint64 `json:"bytesTransferred"`
	TotalBytes       uint64 `json:"totalBytes"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := pathSuffix(r.URL.Path, "/transfer/status/")
	t, ok := e.state.getTransfer(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "transfer not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:           string(t.Status),
		BytesTransferred: t.Progress.BytesTransferred,
		TotalBytes:       t.Progress.TotalBytes,
		ErrorMessage:     t.ErrorMessage,
	})
}

// verifySender checks the x-sender-id header against the Transfer's
// recorded sender, per the 401-on-mismatch rule in §4.6.6.
func verifySender(t *model.Transfer, headerSenderID string) bool {
	return subtle.ConstantTimeCompare([]byte(t.SenderID), []byte(headerSenderID)) == 1
}
