package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared key-value store backing the crash-resilient session
// machine. Session keys carry a TTL (the dead man's switch); the camera set
// tracks which cameras are believed to have live sessions so the janitor and
// startup recovery know what to scan.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Get(ctx context.Context, key string) ([]byte, error)

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	TTL(ctx context.Context, key string) (time.Duration, error)

	AddToSet(ctx context.Context, set, member string) error

	RemoveFromSet(ctx context.Context, set, member string) error

	SetMembers(ctx context.Context, set string) ([]string, error)

	Close() error
}
