package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/syndro-project/syndro/internal/crypto"
	"github.com/syndro-project/syndro/internal/filestore"
	"github.com/syndro-project/syndro/internal/model"
)

// bufferOverflowError is returned when an encrypted upload's framed record
// exceeds the bounded in-memory buffer.
type bufferOverflowError struct{ cap int64 }

func (e *bufferOverflowError) Error() string {
	return fmt.Sprintf("transfer: framed record exceeds buffer cap of %d bytes", e.cap)
}

// handleUpload returns the handler for /transfer/upload (encrypted=false)
// or /transfer/upload-encrypted (encrypted=true); both share the same
// header contract and authorization checks and differ only in framing.
func (e *Engine) handleUpload(encrypted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		transferID := r.Header.Get("x-transfer-id")
		senderID := r.Header.Get("x-sender-id")
		senderToken := r.Header.Get("x-sender-token")
		fileName := r.Header.Get("x-file-name")
		fileSizeHeader := r.Header.Get("x-file-size")
		originalSizeHeader := r.Header.Get("x-original-size")
		fileHash := r.Header.Get("x-file-hash")

		t, ok := e.state.getTransfer(transferID)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown transfer")
			return
		}
		if !verifySender(t, senderID) {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sender mismatch")
			return
		}
		_ = senderToken // already validated at initiate time; present for parity with wire contract

		declaredSize := fileSizeHeader
		if encrypted {
			declaredSize = originalSizeHeader
		}
		totalSize, err := strconv.ParseUint(declaredSize, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "missing or invalid size header")
			return
		}

		cleanName, err := filestore.SanitizeName(fileName)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid file name")
			return
		}
		finalPath := filepath.Join(e.downloadRoot, filestore.UniqueName(e.downloadRoot, cleanName))
		if !filestore.IsWithin(e.downloadRoot, finalPath) {
			writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "path escapes download root")
			return
		}

		sink, err := filestore.StreamingSink(finalPath)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to open destination")
			return
		}

		hasher := crypto.NewStreamingHasher()
		var written uint64
		var session *crypto.Session
		if encrypted {
			sess, ok := e.state.getSession(e.self.ID, senderID)
			if !ok {
				sink.Abort()
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no encryption session")
				return
			}
			session = crypto.NewSession(sess.SharedSecret)
		}

		if encrypted {
			written, err = e.drainEncrypted(r.Body, sink, hasher, session)
		} else {
			written, err = e.drainPlain(r.Body, sink, hasher)
		}
		if err != nil {
			sink.Abort()
			e.recordTransfer(transferID, false, written)
			writeJSONError(w, http.StatusBadRequest, "TRANSFER_ERROR", err.Error())
			return
		}

		if encrypted && fileHash != "" && hasher.SumHex() != fileHash {
			sink.Abort()
			e.recordTransfer(transferID, false, written)
			writeJSONError(w, http.StatusBadRequest, "HASH_MISMATCH", "file hash mismatch")
			return
		}

		if _, err := sink.Finalize(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to finalize file")
			return
		}

		t.Progress.BytesTransferred = written
		t.Progress.TotalBytes = totalSize
		advanceToTransferring(t)
		e.events.PublishProgress(transferID, t.Progress)
		t.TransitionTo(model.StatusCompleted, "")
		e.events.PublishCompleted(transferID, written)
		e.checkpoints.Clear(transferID)
		e.recordTransfer(transferID, true, written)

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "bytesWritten": written})
	}
}

// advanceToTransferring walks a freshly-registered Transfer through the
// Connecting state into Transferring, tolerating a transfer that has
// already moved past Pending (e.g. a retried upload).
func advanceToTransferring(t *model.Transfer) {
	if t.Status == model.StatusPending {
		t.TransitionTo(model.StatusConnecting, "")
	}
	if t.Status == model.StatusConnecting {
		t.TransitionTo(model.StatusTransferring, "")
	}
}

// drainPlain copies the request body straight to disk, updating the
// streaming hash as it goes.
func (e *Engine) drainPlain(body io.Reader, sink *filestore.ChunkWriter, hasher *crypto.StreamingHasher) (uint64, error) {
	buf := make([]byte, 1<<20)
	var total uint64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := sink.Append(buf[:n]); werr != nil {
				return total, werr
			}
			hasher.Write(buf[:n])
			total += uint64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// drainEncrypted reads `[len:u32 BE][AES-GCM record]` frames from body,
// rejecting any single frame larger than the bounded buffer cap, and
// writes each decrypted plaintext chunk to disk in order.
func (e *Engine) drainEncrypted(body io.Reader, sink *filestore.ChunkWriter, hasher *crypto.StreamingHasher, session *crypto.Session) (uint64, error) {
	bufCap := e.sequentialBufferCap
	if bufCap <= 0 {
		bufCap = 10 << 20
	}

	var lenBuf [4]byte
	var total uint64
	for {
		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
		recordLen := binary.BigEndian.Uint32(lenBuf[:])
		if int64(recordLen) > bufCap {
			return total, &bufferOverflowError{cap: bufCap}
		}

		record := make([]byte, recordLen)
		if _, err := io.ReadFull(body, record); err != nil {
			return total, err
		}

		plaintext, err := session.DecryptChunk(record, nil)
		if err != nil {
			return total, err
		}
		if _, err := sink.Append(plaintext); err != nil {
			return total, err
		}
		hasher.Write(plaintext)
		total += uint64(len(plaintext))
	}
}
