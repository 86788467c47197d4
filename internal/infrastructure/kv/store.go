package kv

import (
	"context"
	"time"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = apperrors.NewNotFoundError("key not found")

// Store is the key-value substrate used for embedding caches, domain-block
// caches, deferred tool results, and the per-user request lock.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key does not exist. Returns true if stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases the underlying connection.
	Close() error
}
