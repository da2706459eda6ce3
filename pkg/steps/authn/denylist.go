//go:generate mockgen -source denylist.go -destination ../../../internal/mocks/mock_denylist.go -package mocks authn

package authn

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/authpipe/authpipe/pkg/cache"
)

const defaultDenylistTTL = 24 * time.Hour

// Denylist records revoked tokens until they would have expired anyway.
type Denylist interface {
	Revoke(ctx context.Context, token string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
	Close() error
}

type DenylistOption func(d *CacheDenylist)

// WithDenylistCache stores revocations in c. The caller keeps ownership of c.
func WithDenylistCache(c cache.Cache) DenylistOption {
	return func(d *CacheDenylist) {
		d.cache = c
	}
}

func WithDenylistSize(n int64) DenylistOption {
	return func(d *CacheDenylist) {
		d.size = n
	}
}

// CacheDenylist is a Denylist backed by a cache.Cache.
type CacheDenylist struct {
	cache     cache.Cache
	ownsCache bool
	size      int64
}

var _ Denylist = (*CacheDenylist)(nil)

// NewDenylist returns a Denylist. Without WithDenylistCache it allocates an
// in-memory cache that Close releases.
func NewDenylist(opts ...DenylistOption) *CacheDenylist {
	d := &CacheDenylist{size: 10000}
	for _, opt := range opts {
		opt(d)
	}
	if d.cache == nil {
		d.cache = cache.NewInMemoryCache(cache.WithMaxCacheSize(d.size))
		d.ownsCache = true
	}
	return d
}

func denylistKey(token string) string {
	return "denylist/" + strconv.FormatUint(xxhash.Sum64String(token), 16)
}

// Revoke denies token until expiresAt. A zero expiresAt uses a one day TTL.
// Tokens that already expired are ignored.
func (d *CacheDenylist) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := defaultDenylistTTL
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	return d.cache.Set(ctx, denylistKey(token), []byte{1}, ttl)
}

func (d *CacheDenylist) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, err := d.cache.Get(ctx, denylistKey(token))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, cache.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (d *CacheDenylist) Close() error {
	if d.ownsCache {
		return d.cache.Close()
	}
	return nil
}
