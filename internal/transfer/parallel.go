package transfer

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/syndro-project/syndro/internal/crypto"
	"github.com/syndro-project/syndro/internal/filestore"
	"github.com/syndro-project/syndro/internal/model"
)

// maxParallelChunkRecordSize is the 100 MiB per-record decrypt cap from §4.6.6.
const maxParallelChunkRecordSize = 100 << 20

type parallelInitiateRequest struct {
	TransferID  string `json:"transferId"`
	FileName    string `json:"fileName"`
	FileSize    uint64 `json:"fileSize"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	SenderToken string `json:"senderToken"`
	ChunkSize   uint64 `json:"chunkSize"`
}

type parallelInitiateResponse struct {
	Status string `json:"status"`
}

func (e *Engine) handleParallelInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req parallelInitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}

	t, ok := e.state.getTransfer(req.TransferID)
	if !ok {
		trusted := e.autoAcceptTrusted && e.trust.VerifyToken(req.SenderID, req.SenderToken)
		if !trusted {
			writeJSON(w, http.StatusOK, parallelInitiateResponse{Status: "pending_approval"})
			return
		}
		t = &model.Transfer{
			ID:        req.TransferID,
			SenderID:  req.SenderID,
			Status:    model.StatusPending,
			Progress:  model.Progress{TotalBytes: req.FileSize},
			CreatedAt: time.Now(),
		}
		e.state.putTransfer(t)
	}
	advanceToTransferring(t)

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = 1 << 20
	}

	cleanName, err := filestore.SanitizeName(req.FileName)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid file name")
		return
	}
	finalPath := filepath.Join(e.downloadRoot, filestore.UniqueName(e.downloadRoot, cleanName))

	file, err := filestore.OpenChunkWriter(finalPath, req.FileSize)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to preallocate file")
		return
	}

	e.state.putChunkWriter(req.TransferID, &activeChunkWriter{
		writer:   model.NewChunkWriter(finalPath, req.FileSize, chunkSize),
		file:     file,
		senderID: req.SenderID,
	})

	writeJSON(w, http.StatusOK, parallelInitiateResponse{Status: "success"})
}

func (e *Engine) handleChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	transferID := r.Header.Get("X-Transfer-Id")
	chunkIndexHeader := r.Header.Get("X-Chunk-Index")
	originalSizeHeader := r.Header.Get("X-Original-Size")
	isEncrypted := r.Header.Get("X-Encrypted") == "true"

	aw, ok := e.state.getChunkWriter(transferID)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown parallel transfer")
		return
	}

	chunkIndex, err := strconv.Atoi(chunkIndexHeader)
	if err != nil || chunkIndex < 0 || chunkIndex >= aw.writer.TotalChunks {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "chunk index out of range")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxParallelChunkRecordSize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "TRANSFER_ERROR", "failed to read chunk body")
		return
	}
	if len(body) > maxParallelChunkRecordSize {
		writeJSONError(w, http.StatusBadRequest, "OVERSIZED", "chunk exceeds maximum record size")
		return
	}

	payload := body
	if isEncrypted {
		t, ok := e.state.getTransfer(transferID)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown transfer")
			return
		}
		sess, ok := e.state.getSession(e.self.ID, t.SenderID)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no encryption session")
			return
		}
		plaintext, err := crypto.NewSession(sess.SharedSecret).DecryptChunk(body, nil)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "DECRYPT_FAILED", err.Error())
			return
		}
		payload = plaintext
	}
	_ = originalSizeHeader // informational; actual length is len(payload)

	aw.mu.Lock()
	defer aw.mu.Unlock()

	offset := int64(chunkIndex) * int64(aw.writer.ChunkSize)
	if _, err := aw.file.WriteAt(payload, offset); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to write chunk")
		return
	}
	isNew := aw.writer.MarkReceived(chunkIndex, uint64(len(payload)))

	if t, ok := e.state.getTransfer(transferID); ok && isNew {
		t.Progress.BytesTransferred = aw.writer.BytesReceived
		e.events.PublishProgress(transferID, t.Progress)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "received": chunkIndex})
}

type parallelCompleteRequest struct {
	TransferID string `json:"transferId"`
	FileHash   string `json:"fileHash"`
}

type parallelCompleteResponse struct {
	Success  bool   `json:"success"`
	FilePath string `json:"filePath,omitempty"`
	FileSize uint64 `json:"fileSize,omitempty"`
	Missing  []int  `json:"missing,omitempty"`
}

func (e *Engine) handleParallelComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req parallelCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}

	aw, ok := e.state.getChunkWriter(req.TransferID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown parallel transfer")
		return
	}

	aw.mu.Lock()
	if !aw.writer.Complete() {
		missing := aw.writer.Missing()
		aw.mu.Unlock()
		writeJSON(w, http.StatusOK, parallelCompleteResponse{Success: false, Missing: missing})
		return
	}
	if err := aw.file.Sync(); err != nil {
		aw.mu.Unlock()
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to flush file")
		return
	}
	tmpPath := aw.file.TempPath()
	aw.mu.Unlock()

	// Hash the still-hidden temp file before it is ever renamed to its
	// final, user-facing path: a corrupted or tampered transfer must never
	// become visible, even briefly.
	actualHash, err := crypto.HashFile(tmpPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to hash file")
		return
	}
	if req.FileHash != "" && actualHash != req.FileHash {
		aw.mu.Lock()
		totalSize := aw.writer.TotalSize
		aw.file.Abort()
		aw.mu.Unlock()
		e.state.removeChunkWriter(req.TransferID)
		e.recordTransfer(req.TransferID, false, totalSize)
		writeJSONError(w, http.StatusBadRequest, "HASH_MISMATCH", "file hash mismatch")
		return
	}

	aw.mu.Lock()
	finalPath, err := aw.file.Finalize()
	aw.mu.Unlock()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to finalize file")
		return
	}

	fileSize := aw.writer.TotalSize
	e.state.removeChunkWriter(req.TransferID)

	if t, ok := e.state.getTransfer(req.TransferID); ok {
		t.Progress.BytesTransferred = fileSize
		t.TransitionTo(model.StatusCompleted, "")
		e.events.PublishCompleted(req.TransferID, fileSize)
	}
	e.checkpoints.Clear(req.TransferID)
	e.recordTransfer(req.TransferID, true, fileSize)

	writeJSON(w, http.StatusOK, parallelCompleteResponse{Success: true, FilePath: finalPath, FileSize: fileSize})
}
