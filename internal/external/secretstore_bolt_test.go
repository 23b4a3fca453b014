package external

import (
	"context"
	"path/filepath"
	"testing"
)

func TestBoltSecretStorePutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.db")
	s, err := NewBoltSecretStore(path, "test-passphrase")
	if err != nil {
		t.Fatalf("NewBoltSecretStore failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Put(ctx, "device-id", []byte("550e8400-e29b-41d4-a716-446655440000")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := s.Get(ctx, "device-id")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected value to be found")
	}
	if string(got) != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("Get = %q, unexpected value", got)
	}
}

func TestBoltSecretStoreGetMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.db")
	s, err := NewBoltSecretStore(path, "pw")
	if err != nil {
		t.Fatalf("NewBoltSecretStore failed: %v", err)
	}
	defer s.Close()

	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Fatal("expected missing key to report not-found")
	}
}

func TestBoltSecretStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.db")
	s, err := NewBoltSecretStore(path, "pw")
	if err != nil {
		t.Fatalf("NewBoltSecretStore failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	s.Put(ctx, "k", []byte("v"))
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected deleted key to be gone")
	}
}

func TestNewBoltSecretStoreRequiresPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.db")
	if _, err := NewBoltSecretStore(path, ""); err != ErrPassphraseRequired {
		t.Fatalf("err = %v, want ErrPassphraseRequired", err)
	}
}
