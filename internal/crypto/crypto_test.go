package crypto

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

// TestNewKeyPair tests X25519 keypair generation produces non-zero keys.
func TestNewKeyPair(t *testing.T) {
	kp, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair() failed: %v", err)
	}

	var zeroKey [32]byte
	if bytes.Equal(kp.PublicKey[:], zeroKey[:]) {
		t.Error("public key is all zeros")
	}
	if bytes.Equal(kp.PrivateKey[:], zeroKey[:]) {
		t.Error("private key is all zeros")
	}
}

// TestDeriveSymmetric tests that ECDH produces identical shared secrets
// from both sides: derive(A.priv, B.pub) == derive(B.priv, A.pub).
func TestDeriveSymmetric(t *testing.T) {
	alice, err := NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate Alice's keypair: %v", err)
	}
	bob, err := NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate Bob's keypair: %v", err)
	}

	aliceSecret, err := Derive(alice.PrivateKey, bob.PublicKey[:])
	if err != nil {
		t.Fatalf("Alice's Derive failed: %v", err)
	}
	bobSecret, err := Derive(bob.PrivateKey, alice.PublicKey[:])
	if err != nil {
		t.Fatalf("Bob's Derive failed: %v", err)
	}

	if aliceSecret != bobSecret {
		t.Error("shared secrets do not match")
	}
}

// TestDeriveRejectsBadPublicKey tests the length-validation error path.
func TestDeriveRejectsBadPublicKey(t *testing.T) {
	kp, _ := NewKeyPair()
	_, err := Derive(kp.PrivateKey, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for short public key")
	}
}

// TestSealAndOpen tests AES-256-GCM round trip.
func TestSealAndOpen(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("hello from syndro")
	aad := []byte("chunk-0")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	if len(ciphertext) != len(plaintext)+16 {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+16)
	}

	decrypted, err := Open(key, nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("decrypted plaintext does not match original")
	}
}

// TestAuthenticationFailure tests that tampered ciphertext is rejected.
func TestAuthenticationFailure(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	ciphertext, err := Seal(key, nonce, nil, []byte("secret message"))
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	ciphertext[0] ^= 0x01

	if _, err := Open(key, nonce, nil, ciphertext); err == nil {
		t.Error("Open() should fail on tampered ciphertext")
	}
}

// TestSessionEncryptDecryptRoundTrip tests decryptChunk(encryptChunk(x,
// k), k) == x via the Session wrapper, which is what the transfer engine
// actually calls.
func TestSessionEncryptDecryptRoundTrip(t *testing.T) {
	var secret [32]byte
	rand.Read(secret[:])
	sender := NewSession(secret)
	receiver := NewSession(secret)

	plaintext := []byte("a chunk of file data")
	framed, err := sender.EncryptChunk(plaintext, []byte("aad"))
	if err != nil {
		t.Fatalf("EncryptChunk failed: %v", err)
	}
	got, err := receiver.DecryptChunk(framed, []byte("aad"))
	if err != nil {
		t.Fatalf("DecryptChunk failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round trip mismatch")
	}
}

// TestSessionNonceUniqueness tests that repeated encryptions under one
// session never repeat a nonce.
func TestSessionNonceUniqueness(t *testing.T) {
	var secret [32]byte
	rand.Read(secret[:])
	session := NewSession(secret)

	seen := make(map[[12]byte]bool)
	const n = 5000
	for i := 0; i < n; i++ {
		framed, err := session.EncryptChunk([]byte("x"), nil)
		if err != nil {
			t.Fatalf("EncryptChunk failed at %d: %v", i, err)
		}
		var nonce [12]byte
		copy(nonce[:], framed[:12])
		if seen[nonce] {
			t.Fatalf("nonce collision detected at encryption %d", i)
		}
		seen[nonce] = true
	}
}

// TestDecryptChunkMalformed tests the < 28 byte rejection boundary.
func TestDecryptChunkMalformed(t *testing.T) {
	var secret [32]byte
	session := NewSession(secret)
	_, err := session.DecryptChunk(make([]byte, 10), nil)
	if err == nil {
		t.Fatal("expected Malformed error for short input")
	}
}

// TestHashFile tests streaming SHA-256 hex digest computation.
func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello world!!"), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	const want = "8380c4c6720e0d5ce4789bf72df03a6e1b3ed80891f3adbe8833c760399b8e91"
	if digest != want {
		t.Errorf("HashFile = %s, want %s", digest, want)
	}
}

// TestSealWithPassphraseRoundTrip tests the Argon2id-wrapped value
// envelope used by the dev-default secret store.
func TestSealWithPassphraseRoundTrip(t *testing.T) {
	plaintext := []byte(`{"trusted":true}`)
	sealed, err := SealWithPassphrase(plaintext, "correct horse battery staple")
	if err != nil {
		t.Fatalf("SealWithPassphrase failed: %v", err)
	}
	got, err := OpenWithPassphrase(sealed, "correct horse battery staple")
	if err != nil {
		t.Fatalf("OpenWithPassphrase failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round trip mismatch")
	}
	if _, err := OpenWithPassphrase(sealed, "wrong passphrase"); err == nil {
		t.Error("expected failure with wrong passphrase")
	}
}
