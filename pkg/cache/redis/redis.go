// Package redis implements cache.Cache on top of a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authpipe/authpipe/pkg/cache"
)

type Option func(h *Handle)

type Handle struct {
	db             int
	prefix         string
	addrs          []string
	userCredential string
	passCredential string
	client         redis.UniversalClient
}

var (
	ErrKeyNotFound = cache.ErrKeyNotFound
	ErrTTLMissing  = fmt.Errorf("TTL must be specified")
	ErrAddrMissing = fmt.Errorf("redis addresses must be specified")
)

var _ cache.Cache = (*Handle)(nil)

// WithAddr sets a comma separated list of server addresses.
func WithAddr(addrs string) Option {
	return func(h *Handle) {
		h.addrs = strings.Split(addrs, ",")
	}
}

func WithUserCredential(credential string) Option {
	return func(h *Handle) {
		h.userCredential = credential
	}
}

func WithPassCredential(credential string) Option {
	return func(h *Handle) {
		h.passCredential = credential
	}
}

func WithDatabase(db int) Option {
	return func(h *Handle) {
		h.db = db
	}
}

// WithKeyPrefix namespaces every key written by the handle.
func WithKeyPrefix(prefix string) Option {
	return func(h *Handle) {
		h.prefix = prefix
	}
}

// New creates a new redis backed cache.
func New(opts ...Option) (*Handle, error) {
	h := &Handle{}

	for _, opt := range opts {
		opt(h)
	}

	if err := h.validate(); err != nil {
		return nil, err
	}

	h.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    h.addrs,
		DB:       h.db,
		Username: h.userCredential,
		Password: h.passCredential,
	})

	return h, nil
}

func (h *Handle) validate() error {
	if len(h.addrs) == 0 || h.addrs[0] == "" {
		return ErrAddrMissing
	}

	return nil
}

func (h *Handle) key(k string) string {
	return h.prefix + k
}

// Client exposes the underlying connection so other components can share it.
func (h *Handle) Client() redis.UniversalClient {
	return h.client
}

// Ping returns the Redis server liveliness response
func (h *Handle) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close closes the server connection
func (h *Handle) Close() error {
	return h.client.Close()
}

// Del removes the specified keys. A key is ignored if it does not exist.
func (h *Handle) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, 0, len(keys))
	for _, k := range keys {
		prefixed = append(prefixed, h.key(k))
	}
	return h.client.Del(ctx, prefixed...).Err()
}

// Get returns the value associated with the key, or ErrKeyNotFound.
func (h *Handle) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := h.client.Get(ctx, h.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, err
	default:
		return val, nil
	}
}

// Set key to hold the value. If key already holds a value, it is overwritten
// together with its TTL.
func (h *Handle) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrTTLMissing
	}
	return h.client.Set(ctx, h.key(key), value, ttl).Err()
}
