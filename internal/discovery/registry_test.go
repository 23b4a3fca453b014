package discovery

import (
	"testing"
	"time"

	"github.com/syndro-project/syndro/internal/model"
)

func TestUpsertIgnoresSelf(t *testing.T) {
	r := NewRegistry("self-id")
	r.Upsert(model.Device{ID: "self-id", Name: "me"})
	if len(r.List()) != 0 {
		t.Fatal("expected self-sighting to be ignored")
	}
}

func TestUpsertAndGet(t *testing.T) {
	r := NewRegistry("self-id")
	r.Upsert(model.Device{ID: "peer-1", Name: "Peer"})

	got, err := r.Get("peer-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsOnline {
		t.Error("expected upserted device to be marked online")
	}
}

func TestGetMissing(t *testing.T) {
	r := NewRegistry("self-id")
	if _, err := r.Get("nope"); err != ErrDeviceNotFound {
		t.Fatalf("Get error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSweepEvictsStaleDevices(t *testing.T) {
	r := NewRegistry("self-id")
	r.Upsert(model.Device{ID: "peer-1"})

	// Force staleness by reaching into the registry directly.
	r.mu.Lock()
	d := r.devices["peer-1"]
	d.LastSeen = time.Now().Add(-2 * DeviceTTL)
	r.devices["peer-1"] = d
	r.mu.Unlock()

	var evictedID string
	r.OnEviction(func(d model.Device) { evictedID = d.ID })

	evicted := r.Sweep()
	if len(evicted) != 1 {
		t.Fatalf("Sweep evicted %d devices, want 1", len(evicted))
	}
	if evictedID != "peer-1" {
		t.Errorf("eviction callback got id %q, want peer-1", evictedID)
	}
	if _, err := r.Get("peer-1"); err != ErrDeviceNotFound {
		t.Error("expected evicted device to be gone from registry")
	}
}
