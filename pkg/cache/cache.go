//go:generate mockgen -source cache.go -destination ../../internal/mocks/mock_cache.go -package mocks cache

// Package cache defines the key/value store shared across requests and its
// in-memory implementation.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("key not found")

type Cache interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key. The entry expires after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the specified keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the resources held by the cache.
	Close() error
}
