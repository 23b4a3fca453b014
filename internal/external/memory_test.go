package external

import (
	"context"
	"sync"
)

// memoryPreferences is an in-memory Preferences double for tests.
type memoryPreferences struct {
	mu     sync.Mutex
	strs   map[string]string
	bools  map[string]bool
}

func newMemoryPreferences() *memoryPreferences {
	return &memoryPreferences{strs: make(map[string]string), bools: make(map[string]bool)}
}

func (p *memoryPreferences) GetString(ctx context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.strs[key]
	return v, ok, nil
}

func (p *memoryPreferences) SetString(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strs[key] = value
	return nil
}

func (p *memoryPreferences) GetBool(ctx context.Context, key string) (bool, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.bools[key]
	return v, ok, nil
}

func (p *memoryPreferences) SetBool(ctx context.Context, key string, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bools[key] = value
	return nil
}

// memoryNotifications records notifications instead of surfacing them.
type memoryNotifications struct {
	mu    sync.Mutex
	Sent  []string
}

func (n *memoryNotifications) Notify(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, title+": "+body)
	return nil
}

// memoryDatabase is an in-memory Database double for tests.
type memoryDatabase struct {
	mu      sync.Mutex
	records []TransferRecord
}

func (d *memoryDatabase) RecordTransfer(ctx context.Context, transferID string, success bool, totalBytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, TransferRecord{TransferID: transferID, Success: success, TotalBytes: totalBytes})
	return nil
}

func (d *memoryDatabase) ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.records) {
		limit = len(d.records)
	}
	return append([]TransferRecord(nil), d.records[:limit]...), nil
}

var (
	_ Preferences   = (*memoryPreferences)(nil)
	_ Notifications = (*memoryNotifications)(nil)
	_ Database      = (*memoryDatabase)(nil)
)
