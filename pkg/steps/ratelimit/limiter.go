//go:generate mockgen -source limiter.go -destination ../../../internal/mocks/mock_limiter.go -package mocks ratelimit

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision is the limiter's answer for a single request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per key.
type Limiter interface {
	// Allow records one request for key and reports whether it fits the limit.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases resources held by the limiter.
	Close() error
}

var ErrInvalidLimit = fmt.Errorf("rate limit and window must be positive")

// SlidingWindow is an in-process Limiter that keeps the timestamps of the
// requests seen for each key during the last window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
	calls  int
}

var _ Limiter = (*SlidingWindow)(nil)

// pruneEvery is how many Allow calls pass between sweeps of idle keys.
const pruneEvery = 1024

func NewSlidingWindow(limit int, window time.Duration) (*SlidingWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}, nil
}

func (s *SlidingWindow) Allow(_ context.Context, key string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)

	s.calls++
	if s.calls%pruneEvery == 0 {
		s.prune(cutoff)
	}

	hits := trim(s.hits[key], cutoff)
	if len(hits) >= s.limit {
		s.hits[key] = hits
		return Decision{
			Allowed:    false,
			Limit:      s.limit,
			Remaining:  0,
			RetryAfter: hits[0].Sub(cutoff),
		}, nil
	}

	hits = append(hits, now)
	s.hits[key] = hits
	return Decision{
		Allowed:   true,
		Limit:     s.limit,
		Remaining: s.limit - len(hits),
	}, nil
}

// Len returns the number of keys currently tracked.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}

func (s *SlidingWindow) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.hits)
	return nil
}

func (s *SlidingWindow) prune(cutoff time.Time) {
	for key, hits := range s.hits {
		hits = trim(hits, cutoff)
		if len(hits) == 0 {
			delete(s.hits, key)
			continue
		}
		s.hits[key] = hits
	}
}

// trim drops the timestamps at or before cutoff. hits is sorted.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
