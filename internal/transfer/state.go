package transfer

import (
	"sync"
	"time"

	"github.com/syndro-project/syndro/internal/filestore"
	"github.com/syndro-project/syndro/internal/model"
)

// state holds every in-memory map the engine owns. Each map is guarded by
// its own mutex so that, per the concurrency model, sending an outbound
// transfer never blocks inbound request handling.
type state struct {
	transfersMu sync.RWMutex
	transfers   map[string]*model.Transfer

	pendingMu sync.RWMutex
	pending   map[string]*model.PendingTransferRequest

	sessionsMu sync.RWMutex
	sessions   map[string]*model.EncryptionSession

	chunkWritersMu sync.Mutex
	chunkWriters   map[string]*activeChunkWriter

	resolvedMu sync.Mutex
	resolved   map[string]*approvalResolution
}

// approvalResolution is the outcome of a pending request, consumed once by
// the sender's approval poll and then discarded.
type approvalResolution struct {
	accepted   bool
	transferID string
	publicKey  []byte
}

func newState() *state {
	return &state{
		transfers:    make(map[string]*model.Transfer),
		pending:      make(map[string]*model.PendingTransferRequest),
		sessions:     make(map[string]*model.EncryptionSession),
		chunkWriters: make(map[string]*activeChunkWriter),
		resolved:     make(map[string]*approvalResolution),
	}
}

func (s *state) putTransfer(t *model.Transfer) {
	s.transfersMu.Lock()
	defer s.transfersMu.Unlock()
	s.transfers[t.ID] = t
}

func (s *state) getTransfer(id string) (*model.Transfer, bool) {
	s.transfersMu.RLock()
	defer s.transfersMu.RUnlock()
	t, ok := s.transfers[id]
	return t, ok
}

func (s *state) removeTransfer(id string) {
	s.transfersMu.Lock()
	defer s.transfersMu.Unlock()
	delete(s.transfers, id)
}

func (s *state) snapshotTransfers() []model.Transfer {
	s.transfersMu.RLock()
	defer s.transfersMu.RUnlock()
	out := make([]model.Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, *t)
	}
	return out
}

func (s *state) putPending(r *model.PendingTransferRequest) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[r.RequestID] = r
}

// getPending looks up a pending request, evicting it in place if it has
// outlived the 5-minute approval window rather than returning a stale
// request the caller would otherwise report as still "pending" forever.
func (s *state) getPending(requestID string) (*model.PendingTransferRequest, bool) {
	s.pendingMu.RLock()
	r, ok := s.pending[requestID]
	s.pendingMu.RUnlock()
	if ok && r.Expired(time.Now()) {
		s.removePending(requestID)
		return nil, false
	}
	return r, ok
}

func (s *state) removePending(requestID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, requestID)
}

// sweepExpiredPending evicts every pending request older than 5 minutes.
func (s *state) sweepExpiredPending() []string {
	now := time.Now()
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	var expired []string
	for id, r := range s.pending {
		if r.Expired(now) {
			expired = append(expired, id)
			delete(s.pending, id)
		}
	}
	return expired
}

func (s *state) putSession(sess *model.EncryptionSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.SessionID] = sess
}

func (s *state) getSession(localID, remoteID string) (*model.EncryptionSession, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sess, ok := s.sessions[model.SessionID(localID, remoteID)]
	if !ok || !sess.Live(time.Now()) {
		return nil, false
	}
	return sess, true
}

// sweepExpiredSessions removes every session past its 15-minute lifetime.
func (s *state) sweepExpiredSessions() int {
	now := time.Now()
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if !sess.Live(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// activeChunkWriter pairs the bookkeeping ChunkWriter with the open file
// handle and expected content hash for a parallel-mode receive.
type activeChunkWriter struct {
	mu       sync.Mutex
	writer   *model.ChunkWriter
	file     *filestore.ChunkWriter
	senderID string
	fileHash string
}

func (s *state) putChunkWriter(transferID string, w *activeChunkWriter) {
	s.chunkWritersMu.Lock()
	defer s.chunkWritersMu.Unlock()
	s.chunkWriters[transferID] = w
}

func (s *state) getChunkWriter(transferID string) (*activeChunkWriter, bool) {
	s.chunkWritersMu.Lock()
	defer s.chunkWritersMu.Unlock()
	w, ok := s.chunkWriters[transferID]
	return w, ok
}

func (s *state) removeChunkWriter(transferID string) {
	s.chunkWritersMu.Lock()
	defer s.chunkWritersMu.Unlock()
	delete(s.chunkWriters, transferID)
}

func (s *state) putResolved(requestID string, r *approvalResolution) {
	s.resolvedMu.Lock()
	defer s.resolvedMu.Unlock()
	s.resolved[requestID] = r
}

// takeResolved returns and removes a resolution, so a second poll after the
// sender has already learned the outcome sees it as expired rather than
// replaying the decision.
func (s *state) takeResolved(requestID string) (*approvalResolution, bool) {
	s.resolvedMu.Lock()
	defer s.resolvedMu.Unlock()
	r, ok := s.resolved[requestID]
	if ok {
		delete(s.resolved, requestID)
	}
	return r, ok
}
