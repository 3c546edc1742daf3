// Package cache provides expiring key/value stores used to remember match
// results between scans.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps any failure of the underlying store
var ErrUnavailable = errors.New("cache unavailable")

// Store is a key/value store with per-entry expiry and prefix deletion
type Store interface {
	// Get returns the value for key; ok is false on a miss or expired entry
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key until ttl elapses
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePrefix removes all keys starting with prefix and returns the count removed
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Backend names accepted by New
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
