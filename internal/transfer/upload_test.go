package transfer

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	syndrocrypto "github.com/syndro-project/syndro/internal/crypto"
	"github.com/syndro-project/syndro/internal/model"
)

func TestHandleUploadPlain(t *testing.T) {
	te := newTestEngine(t)
	te.engine.state.putTransfer(&model.Transfer{ID: "t-1", SenderID: "sender-1", Status: model.StatusPending})

	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	content := []byte("hello, world")
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/transfer/upload", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("x-transfer-id", "t-1")
	req.Header.Set("x-sender-id", "sender-1")
	req.Header.Set("x-file-name", "greeting.txt")
	req.Header.Set("x-file-size", strconv.Itoa(len(content)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	written, err := os.ReadFile(filepath.Join(te.engine.downloadRoot, "greeting.txt"))
	if err != nil {
		t.Fatalf("expected uploaded file on disk: %v", err)
	}
	if !bytes.Equal(written, content) {
		t.Fatalf("written content = %q, want %q", written, content)
	}

	tr, _ := te.engine.state.getTransfer("t-1")
	if tr.Status != model.StatusCompleted {
		t.Fatalf("transfer status = %q, want completed", tr.Status)
	}
}

func TestHandleUploadUnknownTransferRejected(t *testing.T) {
	te := newTestEngine(t)
	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/transfer/upload", bytes.NewReader([]byte("x")))
	req.Header.Set("x-transfer-id", "does-not-exist")
	req.Header.Set("x-sender-id", "sender-1")
	req.Header.Set("x-file-name", "a.txt")
	req.Header.Set("x-file-size", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleUploadSenderMismatchRejected(t *testing.T) {
	te := newTestEngine(t)
	te.engine.state.putTransfer(&model.Transfer{ID: "t-1", SenderID: "sender-1"})
	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/transfer/upload", bytes.NewReader([]byte("x")))
	req.Header.Set("x-transfer-id", "t-1")
	req.Header.Set("x-sender-id", "someone-else")
	req.Header.Set("x-file-name", "a.txt")
	req.Header.Set("x-file-size", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleUploadEncrypted(t *testing.T) {
	te := newTestEngine(t)
	te.engine.state.putTransfer(&model.Transfer{ID: "t-2", SenderID: "sender-1"})

	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	te.engine.state.putSession(&model.EncryptionSession{
		SessionID:    model.SessionID(te.engine.self.ID, "sender-1"),
		SharedSecret: secret,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(15 * time.Minute),
	})

	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	session := syndrocrypto.NewSession(secret)
	plaintext := []byte("top secret bytes")
	record, err := session.EncryptChunk(plaintext, nil)
	if err != nil {
		t.Fatalf("EncryptChunk failed: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(record)))

	body := append(append([]byte{}, lenBuf[:]...), record...)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/transfer/upload-encrypted", bytes.NewReader(body))
	req.Header.Set("x-transfer-id", "t-2")
	req.Header.Set("x-sender-id", "sender-1")
	req.Header.Set("x-file-name", "secret.txt")
	req.Header.Set("x-original-size", strconv.Itoa(len(plaintext)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, respBody)
	}

	written, err := os.ReadFile(filepath.Join(te.engine.downloadRoot, "secret.txt"))
	if err != nil {
		t.Fatalf("expected decrypted file on disk: %v", err)
	}
	if !bytes.Equal(written, plaintext) {
		t.Fatalf("written content = %q, want %q", written, plaintext)
	}
}
