// Package external defines the collaborator interfaces the daemon
// consumes but does not own the lifecycle of: secret storage, user
// preferences, desktop notifications, and a transfer-history database.
// Dev-default SecretStore (BoltSecretStore) and Database (BoltDatabase)
// implementations live here; Preferences and Notifications are supplied
// by the embedding application.
package external

import "context"

// SecretStore persists small encrypted values (such as the device
// identity) keyed by name. Trust entries are kept by the truststore
// package, not here.
type SecretStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Preferences exposes user-configurable settings that affect transfer
// behavior (download directory, auto-accept rules, and the like).
type Preferences interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
	GetBool(ctx context.Context, key string) (bool, bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

// Notifications surfaces transfer lifecycle events to the user.
type Notifications interface {
	Notify(ctx context.Context, title, body string) error
}

// Database records completed and failed transfers for history/search.
type Database interface {
	RecordTransfer(ctx context.Context, transferID string, success bool, totalBytes uint64) error
	ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error)
}

// TransferRecord is one row of transfer history.
type TransferRecord struct {
	TransferID string
	Success    bool
	TotalBytes uint64
	Timestamp  int64
}
