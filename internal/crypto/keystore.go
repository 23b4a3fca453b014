package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used to wrap at-rest secrets for the dev-default
// SecretStore (see internal/external). Not tunable per call: a fixed,
// documented cost keeps the format stable across installs.
const (
	argon2Time      = 3
	argon2Memory    = 65536
	argon2Threads   = 4
	argon2KeyLen    = 32
	saltSize        = 32
	sealedVersion   = 1
)

// ErrInvalidPassphrase is returned when the passphrase fails to open a
// sealed value.
var ErrInvalidPassphrase = errors.New("invalid passphrase or corrupted value")

// SealedValue is an Argon2id-wrapped, AES-256-GCM-encrypted byte blob
// suitable for storing arbitrary secret-store values at rest.
type SealedValue struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealWithPassphrase encrypts plaintext under a key derived from
// passphrase via Argon2id, returning a JSON-serializable envelope.
func SealWithPassphrase(plaintext []byte, passphrase string) (*SealedValue, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext, err := Seal(key, nonce, nil, plaintext)
	if err != nil {
		return nil, err
	}
	return &SealedValue{Version: sealedVersion, Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(v *SealedValue, passphrase string) ([]byte, error) {
	if v.Version != sealedVersion {
		return nil, fmt.Errorf("unsupported sealed-value version: %d", v.Version)
	}
	key := argon2.IDKey([]byte(passphrase), v.Salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	plaintext, err := Open(key, v.Nonce, nil, v.Ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}

// MarshalSealedValue / UnmarshalSealedValue let callers persist the
// envelope as an opaque blob.
func MarshalSealedValue(v *SealedValue) ([]byte, error) { return json.Marshal(v) }

func UnmarshalSealedValue(data []byte) (*SealedValue, error) {
	var v SealedValue
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
