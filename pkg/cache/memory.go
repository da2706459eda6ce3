package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

const defaultMaxCacheSize = 10000

// InMemoryCache is a size bounded LRU cache with per entry expiry.
type InMemoryCache struct {
	ccache      *ccache.Cache[[]byte]
	maxElements int64
	closeOnce   *sync.Once
}

type InMemoryCacheOpt func(i *InMemoryCache)

func WithMaxCacheSize(maxElements int64) InMemoryCacheOpt {
	return func(i *InMemoryCache) {
		i.maxElements = maxElements
	}
}

var _ Cache = (*InMemoryCache)(nil)

func NewInMemoryCache(opts ...InMemoryCacheOpt) *InMemoryCache {
	c := &InMemoryCache{
		maxElements: defaultMaxCacheSize,
		closeOnce:   &sync.Once{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ccache = ccache.New(ccache.Configure[[]byte]().MaxSize(c.maxElements))
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	item := c.ccache.Get(key)
	if item == nil || item.Expired() {
		return nil, ErrKeyNotFound
	}

	return bytes.Clone(item.Value()), nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.ccache.Set(key, bytes.Clone(value), ttl)
	return nil
}

func (c *InMemoryCache) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		c.ccache.Delete(key)
	}
	return nil
}

func (c *InMemoryCache) Ping(context.Context) error {
	return nil
}

func (c *InMemoryCache) Close() error {
	c.closeOnce.Do(func() {
		c.ccache.Stop()
	})
	return nil
}
