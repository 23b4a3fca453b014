package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syndro-project/syndro/internal/checkpoint"
	"github.com/syndro-project/syndro/internal/config"
	"github.com/syndro-project/syndro/internal/model"
)

func newTestSender(t *testing.T, parallelClass config.ParallelClass) *Sender {
	t.Helper()
	checkpoints, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("checkpoint.NewStore failed: %v", err)
	}
	events := NewEventPublisher(16)
	self := Identity{ID: "sender-1", Name: "Sender"}

	return NewSender(self, checkpoints, events, testLogger(), testMetrics(), OutboundConfig{
		RetryAttempts:        1,
		RetryDelay:           10 * time.Millisecond,
		InitiateTimeout:      2 * time.Second,
		ApprovalPollInterval: 20 * time.Millisecond,
		ApprovalPollTimeout:  2 * time.Second,
		SequentialChunkSize:  1 << 16,
		MaxChunkRecordSize:   10 << 20,
		ParallelClass:        parallelClass,
	})
}

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestSendSequentialTrustedFastPath(t *testing.T) {
	te := newTestEngine(t)
	te.trust.Trust(model.TrustedDevice{SenderID: "sender-1", SenderName: "Sender", Token: "tok"})

	srv := startTestEngineServer(t, te)

	dir := t.TempDir()
	path := writeTestFile(t, dir, "small.bin", 4096)

	sender := newTestSender(t, config.ParallelClass{Connections: 1, ChunkSize: 1 << 20, MinParallel: 1 << 30})
	items := []model.TransferItem{{Name: "small.bin", AbsolutePath: path, Size: 4096}}

	if err := sender.Send(context.Background(), srv.URL, items, "tok", false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	received, err := os.ReadFile(filepath.Join(te.engine.downloadRoot, "small.bin"))
	if err != nil {
		t.Fatalf("expected received file: %v", err)
	}
	original, _ := os.ReadFile(path)
	if string(received) != string(original) {
		t.Fatal("received content does not match the original file")
	}
}

func TestSendParallelTrustedFastPath(t *testing.T) {
	te := newTestEngine(t)
	te.trust.Trust(model.TrustedDevice{SenderID: "sender-1", SenderName: "Sender", Token: "tok"})

	srv := startTestEngineServer(t, te)

	dir := t.TempDir()
	const size = 5000
	path := writeTestFile(t, dir, "large.bin", size)

	sender := newTestSender(t, config.ParallelClass{Connections: 3, ChunkSize: 700, MinParallel: 0})
	items := []model.TransferItem{{Name: "large.bin", AbsolutePath: path, Size: size}}

	if err := sender.Send(context.Background(), srv.URL, items, "tok", false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	received, err := os.ReadFile(filepath.Join(te.engine.downloadRoot, "large.bin"))
	if err != nil {
		t.Fatalf("expected received file: %v", err)
	}
	original, _ := os.ReadFile(path)
	if len(received) != len(original) || string(received) != string(original) {
		t.Fatal("reassembled parallel transfer does not match the original file")
	}
}

func TestSendWaitsForManualApproval(t *testing.T) {
	te := newTestEngine(t)
	srv := startTestEngineServer(t, te)

	dir := t.TempDir()
	path := writeTestFile(t, dir, "needs-approval.bin", 10)

	sender := newTestSender(t, config.ParallelClass{Connections: 1, ChunkSize: 1 << 20, MinParallel: 1 << 30})
	items := []model.TransferItem{{Name: "needs-approval.bin", AbsolutePath: path, Size: 10}}

	// Approve the first pending request once it shows up, from a background
	// goroutine standing in for an operator clicking "accept".
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			pendingID := firstPendingRequestID(te.engine)
			if pendingID != "" {
				transferID := pendingID // the approver picks the transfer id; reuse the request id
				te.engine.Approve(pendingID, transferID, false)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	if err := sender.Send(context.Background(), srv.URL, items, "", false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	<-done
}

func firstPendingRequestID(e *Engine) string {
	e.state.pendingMu.RLock()
	defer e.state.pendingMu.RUnlock()
	for id := range e.state.pending {
		return id
	}
	return ""
}
