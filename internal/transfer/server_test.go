package transfer

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/syndro-project/syndro/internal/checkpoint"
	syndrocrypto "github.com/syndro-project/syndro/internal/crypto"
	"github.com/syndro-project/syndro/internal/model"
	"github.com/syndro-project/syndro/internal/observability"
	"github.com/syndro-project/syndro/internal/truststore"
)

// Prometheus metrics register against the default registerer, so every
// engine built in this test file shares a single Metrics instance.
var (
	sharedMetrics     *observability.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *observability.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = observability.NewMetrics() })
	return sharedMetrics
}

func testLogger() *observability.Logger {
	return observability.NewLogger("transfer-test", "0.0.0", io.Discard)
}

type testEngine struct {
	engine *Engine
	trust  *truststore.Store
	events *EventPublisher
	mux    *http.ServeMux
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	dir := t.TempDir()

	trust, err := truststore.Open(filepath.Join(dir, "trust.db"), truststore.DefaultTTL)
	if err != nil {
		t.Fatalf("truststore.Open failed: %v", err)
	}
	t.Cleanup(func() { trust.Close() })

	checkpoints, err := checkpoint.NewStore(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatalf("checkpoint.NewStore failed: %v", err)
	}

	downloadRoot := filepath.Join(dir, "downloads")
	if err := os.MkdirAll(downloadRoot, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	events := NewEventPublisher(8)
	self := Identity{ID: "receiver-1", Name: "Receiver"}

	engine := NewEngine(self, trust, checkpoints, events, testLogger(), testMetrics(), EngineConfig{
		DownloadRoot:        downloadRoot,
		AutoAcceptTrusted:   true,
		SequentialBufferCap: 10 << 20,
		MaxChunkRecordSize:  10 << 20,
	})

	mux := http.NewServeMux()
	engine.registerRoutes(mux)

	return &testEngine{engine: engine, trust: trust, events: events, mux: mux}
}

func startTestEngineServer(t *testing.T, te *testEngine) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(te.mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleIdentity(t *testing.T) {
	te := newTestEngine(t)
	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/syndro.json")
	if err != nil {
		t.Fatalf("GET /syndro.json failed: %v", err)
	}
	defer resp.Body.Close()

	var body identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.ID != "receiver-1" {
		t.Errorf("ID = %q, want receiver-1", body.ID)
	}
}

func TestHandleKeyExchange(t *testing.T) {
	te := newTestEngine(t)
	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	kp, err := syndrocrypto.NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair failed: %v", err)
	}
	req := keyExchangeRequest{DeviceID: "sender-1", PublicKey: kp.PublicKey[:]}
	body, _ := json.Marshal(req)

	resp, err := http.Post(srv.URL+"/key-exchange", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /key-exchange failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out keyExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.DeviceID != "receiver-1" || len(out.PublicKey) != 32 {
		t.Fatalf("unexpected response: %+v", out)
	}

	if _, ok := te.engine.state.getSession("receiver-1", "sender-1"); !ok {
		t.Error("expected a session to be recorded after key exchange")
	}
}

func TestHandleInitiateTrustedFastPath(t *testing.T) {
	te := newTestEngine(t)
	if err := te.trust.Trust(model.TrustedDevice{SenderID: "sender-1", SenderName: "Sender", Token: "tok"}); err != nil {
		t.Fatalf("Trust failed: %v", err)
	}

	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	req := initiateRequest{
		ID:          "t-1",
		SenderID:    "sender-1",
		SenderName:  "Sender",
		SenderToken: "tok",
		Items:       []model.TransferItem{{Name: "a.txt", Size: 10}},
	}
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/transfer/initiate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /transfer/initiate failed: %v", err)
	}
	defer resp.Body.Close()

	var out initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Status != "accepted" || out.TransferID != "t-1" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if _, ok := te.engine.state.getTransfer("t-1"); !ok {
		t.Error("expected transfer to be registered")
	}
}

func TestHandleInitiatePendingApprovalAndApprove(t *testing.T) {
	te := newTestEngine(t)
	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	req := initiateRequest{
		ID:         "t-2",
		SenderID:   "sender-2",
		SenderName: "Untrusted Sender",
		Items:      []model.TransferItem{{Name: "b.txt", Size: 5}},
	}
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/transfer/initiate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /transfer/initiate failed: %v", err)
	}
	var out initiateResponse
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()

	if out.Status != "pending_approval" || out.RequestID == "" {
		t.Fatalf("unexpected response: %+v", out)
	}

	// Poll while still pending.
	pollResp, err := http.Get(srv.URL + "/transfer/approval/" + out.RequestID)
	if err != nil {
		t.Fatalf("GET approval status failed: %v", err)
	}
	var status approvalStatusResponse
	json.NewDecoder(pollResp.Body).Decode(&status)
	pollResp.Body.Close()
	if status.Status != "pending" {
		t.Fatalf("status before approval = %q, want pending", status.Status)
	}

	transfer, pub, err := te.engine.Approve(out.RequestID, "t-2", false)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if transfer.ID != "t-2" {
		t.Fatalf("Approve returned transfer %+v", transfer)
	}
	if pub != nil {
		t.Fatalf("expected no public key since no encryption was requested, got %v", pub)
	}

	// First poll after resolution reports the outcome...
	pollResp2, err := http.Get(srv.URL + "/transfer/approval/" + out.RequestID)
	if err != nil {
		t.Fatalf("GET approval status failed: %v", err)
	}
	var status2 approvalStatusResponse
	json.NewDecoder(pollResp2.Body).Decode(&status2)
	pollResp2.Body.Close()
	if status2.Status != "accepted" || status2.TransferID != "t-2" {
		t.Fatalf("status after approval = %+v, want accepted/t-2", status2)
	}

	// ...and a second poll sees it as expired, since the resolution was consumed.
	pollResp3, err := http.Get(srv.URL + "/transfer/approval/" + out.RequestID)
	if err != nil {
		t.Fatalf("GET approval status failed: %v", err)
	}
	var status3 approvalStatusResponse
	json.NewDecoder(pollResp3.Body).Decode(&status3)
	pollResp3.Body.Close()
	if status3.Status != "expired" {
		t.Fatalf("status after consuming resolution = %q, want expired", status3.Status)
	}
}

func TestEngineRejectReportsRejected(t *testing.T) {
	te := newTestEngine(t)
	pending := &model.PendingTransferRequest{RequestID: "r-1", SenderID: "sender-3", CreatedAt: time.Now()}
	te.engine.state.putPending(pending)

	te.engine.Reject("r-1")

	res, ok := te.engine.state.takeResolved("r-1")
	if !ok || res.accepted {
		t.Fatalf("takeResolved after Reject = %+v, %v; want accepted=false", res, ok)
	}
	if _, ok := te.engine.state.getPending("r-1"); ok {
		t.Error("expected rejected request to be removed from pending")
	}
}

func TestHandleStatusNotFound(t *testing.T) {
	te := newTestEngine(t)
	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfer/status/does-not-exist")
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleStatusFound(t *testing.T) {
	te := newTestEngine(t)
	te.engine.state.putTransfer(&model.Transfer{
		ID:       "t-3",
		Status:   model.StatusTransferring,
		Progress: model.Progress{BytesTransferred: 40, TotalBytes: 100},
	})

	srv := httptest.NewServer(te.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfer/status/t-3")
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	defer resp.Body.Close()

	var out statusResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Status != string(model.StatusTransferring) || out.BytesTransferred != 40 {
		t.Fatalf("unexpected status response: %+v", out)
	}
}

func TestVerifySenderConstantTimeCompare(t *testing.T) {
	tr := &model.Transfer{SenderID: "sender-1"}
	if !verifySender(tr, "sender-1") {
		t.Error("expected matching sender id to verify")
	}
	if verifySender(tr, "sender-2") {
		t.Error("expected mismatched sender id to fail verification")
	}
}

func TestListenAndServeBindsWithinPortRange(t *testing.T) {
	te := newTestEngine(t)
	addr, err := te.engine.ListenAndServe(18765)
	if err != nil {
		t.Fatalf("ListenAndServe failed: %v", err)
	}
	defer te.engine.Shutdown()
	if addr == "" {
		t.Fatal("expected a non-empty bound address")
	}

	resp, err := http.Get("http://" + addr + "/syndro.json")
	if err != nil {
		t.Fatalf("GET against bound address failed: %v", err)
	}
	resp.Body.Close()
}
