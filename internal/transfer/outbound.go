package transfer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/syndro-project/syndro/internal/checkpoint"
	"github.com/syndro-project/syndro/internal/config"
	syndrocrypto "github.com/syndro-project/syndro/internal/crypto"
	"github.com/syndro-project/syndro/internal/model"
	"github.com/syndro-project/syndro/internal/observability"
)

// OutboundConfig bundles the tunables the sender needs, mirroring the
// fields in config.Config an operator would want overridden in tests.
type OutboundConfig struct {
	RetryAttempts        int
	RetryDelay           time.Duration
	InitiateTimeout      time.Duration
	ApprovalPollInterval time.Duration
	ApprovalPollTimeout  time.Duration
	SequentialChunkSize  int64
	MaxChunkRecordSize   int64
	ParallelClass        config.ParallelClass
}

// Sender drives the outbound side of a transfer: initiate, the approval
// handshake, key exchange, and either sequential or parallel upload,
// reported through the same Event/Logger/Metrics types the receiving side
// uses.
type Sender struct {
	self        Identity
	httpClient  *retryablehttp.Client
	events      *EventPublisher
	checkpoints *checkpoint.Store
	logger      *observability.Logger
	metrics     *observability.Metrics
	cfg         OutboundConfig
}

// NewSender builds a Sender. The retryablehttp client is configured for
// cfg.RetryAttempts fixed-delay retries (3 by default) on socket errors,
// timeouts, and 5xx responses, per
// the wire contract's retry policy; its own logging is silenced in favor
// of the structured logger.
func NewSender(self Identity, checkpoints *checkpoint.Store, events *EventPublisher, logger *observability.Logger, metrics *observability.Metrics, cfg OutboundConfig) *Sender {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = cfg.RetryAttempts
	client.RetryWaitMin = cfg.RetryDelay
	client.RetryWaitMax = cfg.RetryDelay
	client.CheckRetry = retryablehttp.DefaultRetryPolicy

	return &Sender{
		self:        self,
		httpClient:  client,
		events:      events,
		checkpoints: checkpoints,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
	}
}

// acceptance is what either the immediate-accept path or the approval poll
// resolves to: a transfer id and, if encryption was negotiated, the peer's
// ephemeral public key.
type acceptance struct {
	transferID string
	publicKey  []byte
	encryption bool
}

// Send runs one outbound transfer of items to a peer at baseURL
// (e.g. "http://192.168.1.42:8765"), from IDLE through COMPLETED or FAILED.
// The transfer id is derived deterministically from the sender, the
// receiver, and the item set (model.DeriveTransferID), so a retried Send
// for the same logical transfer picks up any checkpoint left by a prior
// attempt instead of starting the whole transfer over.
func (s *Sender) Send(ctx context.Context, baseURL string, items []model.TransferItem, senderToken string, encrypt bool) error {
	receiverID, err := s.fetchReceiverID(ctx, baseURL)
	if err != nil {
		return fmt.Errorf("transfer: fetch receiver identity: %w", err)
	}
	transferID := model.DeriveTransferID(s.self.ID, receiverID, items)

	startIndex := 0
	var sent uint64
	if cp, ok, loadErr := s.checkpoints.Load(transferID); loadErr == nil && ok {
		startIndex = cp.CurrentFileIndex + 1
		sent = cp.BytesTransferred
		s.logger.Info(fmt.Sprintf("transfer %s: resuming from checkpoint at file %d/%d", transferID, startIndex, cp.TotalFiles))
	}

	var kp *syndrocrypto.KeyPair
	if encrypt {
		kp, err = syndrocrypto.NewKeyPair()
		if err != nil {
			return fmt.Errorf("transfer: generate keypair: %w", err)
		}
	}

	var total uint64
	for _, it := range items {
		total += it.Size
	}

	acc, err := s.initiate(ctx, baseURL, transferID, items, senderToken, kp)
	if err != nil {
		s.events.PublishFailed(transferID, err.Error())
		return err
	}

	s.logger.TransferStarted(acc.transferID, total, len(items))
	s.events.PublishStarted(acc.transferID, total, len(items))

	var session *syndrocrypto.Session
	if acc.encryption && kp != nil && len(acc.publicKey) > 0 {
		secret, err := syndrocrypto.Derive(kp.PrivateKey, acc.publicKey)
		if err != nil {
			s.events.PublishFailed(acc.transferID, err.Error())
			return fmt.Errorf("transfer: derive shared secret: %w", err)
		}
		session = syndrocrypto.NewSession(secret)
	}

	for idx, item := range items {
		if item.IsDirectory {
			continue
		}
		if idx < startIndex {
			continue
		}
		if err := s.sendItem(ctx, baseURL, acc.transferID, item, senderToken, session); err != nil {
			s.events.PublishFailed(acc.transferID, err.Error())
			return fmt.Errorf("transfer: send %s: %w", item.Name, err)
		}
		sent += item.Size
		s.checkpoints.Save(model.Checkpoint{
			TransferID:       transferID,
			FileID:           item.Name,
			BytesTransferred: sent,
			Timestamp:        time.Now().Unix(),
			CurrentFileIndex: idx,
			TotalFiles:       len(items),
			IsValid:          true,
		})
		s.events.PublishProgress(acc.transferID, model.Progress{BytesTransferred: sent, TotalBytes: total})
	}

	s.checkpoints.Clear(transferID)
	s.events.PublishCompleted(acc.transferID, sent)
	s.logger.TransferCompleted(acc.transferID, sent, 0)
	return nil
}

// fetchReceiverID queries the peer's identity endpoint so the deterministic
// transfer id (which is keyed on both parties) can be computed before
// initiate is sent.
func (s *Sender) fetchReceiverID(ctx context.Context, baseURL string) (string, error) {
	var resp identityResponse
	ictx, cancel := context.WithTimeout(ctx, s.cfg.InitiateTimeout)
	defer cancel()
	if err := s.getJSON(ictx, baseURL+"/syndro.json", &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type initiateWireRequest struct {
	ID          string               `json:"id"`
	SenderID    string               `json:"senderId"`
	SenderName  string               `json:"senderName"`
	SenderToken string               `json:"senderToken"`
	Items       []model.TransferItem `json:"items"`
	PublicKey   []byte               `json:"publicKey,omitempty"`
}

// initiate posts /transfer/initiate and, if the peer requires manual
// approval, polls /transfer/approval/{id} until accepted, rejected, or the
// 5-minute window lapses.
func (s *Sender) initiate(ctx context.Context, baseURL, transferID string, items []model.TransferItem, senderToken string, kp *syndrocrypto.KeyPair) (*acceptance, error) {
	req := initiateWireRequest{
		ID:          transferID,
		SenderID:    s.self.ID,
		SenderName:  s.self.Name,
		SenderToken: senderToken,
		Items:       items,
	}
	if kp != nil {
		req.PublicKey = kp.PublicKey[:]
	}

	ictx, cancel := context.WithTimeout(ctx, s.cfg.InitiateTimeout)
	defer cancel()

	var resp initiateResponse
	if err := s.postJSON(ictx, baseURL+"/transfer/initiate", req, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case "accepted":
		return &acceptance{transferID: resp.TransferID, publicKey: resp.PublicKey, encryption: resp.Encryption}, nil
	case "pending_approval":
		return s.pollApproval(ctx, baseURL, resp.RequestID)
	default:
		return nil, fmt.Errorf("transfer: unexpected initiate status %q", resp.Status)
	}
}

func (s *Sender) pollApproval(ctx context.Context, baseURL, requestID string) (*acceptance, error) {
	deadline := time.Now().Add(s.cfg.ApprovalPollTimeout)
	ticker := time.NewTicker(s.cfg.ApprovalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transfer: approval for %s timed out", requestID)
		}

		var resp approvalStatusResponse
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.getJSON(pctx, baseURL+"/transfer/approval/"+requestID, &resp)
		cancel()
		if err != nil {
			continue // transient failure, keep polling until the deadline
		}

		switch resp.Status {
		case "accepted":
			return &acceptance{transferID: resp.TransferID, publicKey: resp.PublicKey, encryption: len(resp.PublicKey) > 0}, nil
		case "rejected":
			return nil, fmt.Errorf("transfer: request %s was rejected", requestID)
		case "expired":
			return nil, fmt.Errorf("transfer: request %s expired before resolution", requestID)
		case "pending":
			continue
		}
	}
}

// sendItem dispatches to the parallel or sequential upload path based on
// the configured RAM-class threshold.
func (s *Sender) sendItem(ctx context.Context, baseURL, transferID string, item model.TransferItem, senderToken string, session *syndrocrypto.Session) error {
	if int64(item.Size) >= s.cfg.ParallelClass.MinParallel && s.cfg.ParallelClass.Connections > 1 {
		return s.sendParallel(ctx, baseURL, transferID, item, session)
	}
	return s.sendSequential(ctx, baseURL, transferID, item, senderToken, session)
}

func (s *Sender) sendSequential(ctx context.Context, baseURL, transferID string, item model.TransferItem, senderToken string, session *syndrocrypto.Session) error {
	f, err := os.Open(item.AbsolutePath)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := syndrocrypto.NewStreamingHasher()
	chunkSize := s.cfg.SequentialChunkSize
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}

	var fileHash string
	if session != nil {
		if fileHash, err = syndrocrypto.HashFile(item.AbsolutePath); err != nil {
			return err
		}
	}

	pr, pw := io.Pipe()
	go func() {
		buf := make([]byte, chunkSize)
		var werr error
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				hasher.Write(buf[:n])
				if session != nil {
					record, eerr := session.EncryptChunk(buf[:n], nil)
					if eerr != nil {
						werr = eerr
						break
					}
					var lenBuf [4]byte
					binary.BigEndian.PutUint32(lenBuf[:], uint32(len(record)))
					if _, werr = pw.Write(lenBuf[:]); werr != nil {
						break
					}
					if _, werr = pw.Write(record); werr != nil {
						break
					}
				} else if _, werr = pw.Write(buf[:n]); werr != nil {
					break
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				werr = rerr
				break
			}
		}
		pw.CloseWithError(werr)
	}()

	path := "/transfer/upload"
	if session != nil {
		path = "/transfer/upload-encrypted"
	}
	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, pr)
	if err != nil {
		return err
	}
	request.Header.Set("x-transfer-id", transferID)
	request.Header.Set("x-sender-id", s.self.ID)
	request.Header.Set("x-sender-token", senderToken)
	request.Header.Set("x-file-name", item.Name)
	if session != nil {
		request.Header.Set("x-original-size", strconv.FormatUint(item.Size, 10))
		request.Header.Set("x-file-hash", fileHash)
	} else {
		request.Header.Set("x-file-size", strconv.FormatUint(item.Size, 10))
	}

	resp, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transfer: upload of %s failed with status %d", item.Name, resp.StatusCode)
	}

	// Only the encrypted path sends x-file-hash, computed from the file
	// before streaming; the digest of the streamed bytes is not sent.
	_ = hasher.SumHex()
	return nil
}

// sendParallel splits item into fixed-size chunks and uploads them with a
// worker pool sized to the negotiated parallel class.
func (s *Sender) sendParallel(ctx context.Context, baseURL, transferID string, item model.TransferItem, session *syndrocrypto.Session) error {
	chunkSize := s.cfg.ParallelClass.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 2 << 20
	}

	initReq := parallelInitiateRequest{
		TransferID:  transferID,
		FileName:    item.Name,
		FileSize:    item.Size,
		SenderID:    s.self.ID,
		SenderName:  s.self.Name,
		ChunkSize:   uint64(chunkSize),
	}
	var initResp parallelInitiateResponse
	if err := s.postJSON(ctx, baseURL+"/transfer/parallel/initiate", initReq, &initResp); err != nil {
		return err
	}
	if initResp.Status != "success" {
		return fmt.Errorf("transfer: peer refused parallel initiate for %s: %s", item.Name, initResp.Status)
	}

	totalChunks := int((item.Size + uint64(chunkSize) - 1) / uint64(chunkSize))
	workers := s.cfg.ParallelClass.Connections
	if workers < 1 {
		workers = 1
	}

	indexes := make(chan int)
	errs := make(chan error, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				if err := s.sendChunk(ctx, baseURL, transferID, item, idx, chunkSize, session); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	go func() {
		defer close(indexes)
		for i := 0; i < totalChunks; i++ {
			select {
			case indexes <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	fileHash, err := syndrocrypto.HashFile(item.AbsolutePath)
	if err != nil {
		return err
	}
	var completeResp parallelCompleteResponse
	completeReq := parallelCompleteRequest{TransferID: transferID, FileHash: fileHash}
	if err := s.postJSON(ctx, baseURL+"/transfer/parallel/complete", completeReq, &completeResp); err != nil {
		return err
	}
	if !completeResp.Success {
		return fmt.Errorf("transfer: parallel transfer of %s incomplete, missing chunks %v", item.Name, completeResp.Missing)
	}
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, baseURL, transferID string, item model.TransferItem, index int, chunkSize int64, session *syndrocrypto.Session) error {
	f, err := os.Open(item.AbsolutePath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, int64(index)*chunkSize)
	if err != nil && err != io.EOF {
		return err
	}
	payload := buf[:n]
	encrypted := false
	if session != nil {
		payload, err = session.EncryptChunk(payload, nil)
		if err != nil {
			return err
		}
		encrypted = true
	}

	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/transfer/chunk", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("X-Transfer-Id", transferID)
	request.Header.Set("X-Chunk-Index", strconv.Itoa(index))
	request.Header.Set("X-Original-Size", strconv.Itoa(n))
	if encrypted {
		request.Header.Set("X-Encrypted", "true")
	}

	resp, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transfer: chunk %d of %s failed with status %d", index, item.Name, resp.StatusCode)
	}
	s.metrics.RecordChunkSent(n)
	s.logger.ChunkSent(transferID, index, n)
	return nil
}

func (s *Sender) postJSON(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transfer: POST %s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Sender) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transfer: GET %s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
