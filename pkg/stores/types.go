package stores

import (
	"context"
	"time"
)

// ClusterKV is one named map of the cluster-wide store. Reads are
// eventually consistent; a Put is not guaranteed to be visible to a
// concurrent Get on another unit.
type ClusterKV interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// ClusterStore hands out named maps and owns the backing connection.
type ClusterStore interface {
	Map(name string) ClusterKV
	HealthCheck(ctx context.Context) error
	Close() error
}

// LocalKV persists small string values on this unit only.
type LocalKV interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put stores value under key, creating whatever is missing.
	Put(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Envelope is the plaintext form of a cluster value before sealing.
type Envelope struct {
	Value     string `cbor:"1,keyasint"`
	Writer    string `cbor:"2,keyasint"`
	WrittenAt int64  `cbor:"3,keyasint"`
}

// Config holds cluster store configuration.
type Config struct {
	// Path is the SQLite database path, or :memory:.
	Path string

	// Secret is the cluster secret every unit shares. Values sealed under
	// one secret cannot be opened under another.
	Secret []byte

	// Writer identifies this unit in envelopes.
	Writer string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
