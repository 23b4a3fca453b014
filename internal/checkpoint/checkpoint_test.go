package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syndro-project/syndro/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	cp := model.Checkpoint{
		TransferID:       "abc123",
		FileID:           "file-1",
		BytesTransferred: 1024,
		CurrentFileIndex: 1,
		TotalFiles:       3,
	}
	if err := s.Save(cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, ok, err := s.Load("abc123")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint to be found")
	}
	if got.BytesTransferred != 1024 || got.CurrentFileIndex != 1 {
		t.Errorf("loaded checkpoint = %+v, unexpected values", got)
	}
}

func TestLoadMissingReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Load("nonexistent")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok {
		t.Fatal("expected missing checkpoint to report not-ok")
	}
}

func TestLoadCorruptCheckpointIsDeleted(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.Load("bad")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok {
		t.Fatal("expected corrupt checkpoint to report not-ok")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("expected corrupt checkpoint file to be removed")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	s.Save(model.Checkpoint{TransferID: "x", TotalFiles: 1})
	if err := s.Clear("x"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok, _ := s.Load("x"); ok {
		t.Fatal("expected cleared checkpoint to be gone")
	}
}

func TestListPaginated(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(model.Checkpoint{TransferID: id, TotalFiles: 1}); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}

	page, err := s.ListPaginated(0, 2)
	if err != nil {
		t.Fatalf("ListPaginated failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page length = %d, want 2", len(page))
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Count = %d, want 3", count)
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	s.Save(model.Checkpoint{TransferID: "a", TotalFiles: 1})
	s.Save(model.Checkpoint{TransferID: "b", TotalFiles: 1})

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Count after ClearAll = %d, want 0", count)
	}
}

func TestStaleLockIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	lockPath := s.lockPath("stale")
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	staleTime := time.Now().Add(-2 * staleLockAge)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatal(err)
	}

	if err := s.Save(model.Checkpoint{TransferID: "stale", TotalFiles: 1}); err != nil {
		t.Fatalf("Save should reclaim stale lock, got: %v", err)
	}
}

func TestActiveLockBlocksSave(t *testing.T) {
	s := newTestStore(t)
	lockPath := s.lockPath("busy")
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.Save(model.Checkpoint{TransferID: "busy", TotalFiles: 1})
	if err != ErrLocked {
		t.Fatalf("Save error = %v, want ErrLocked", err)
	}
}
