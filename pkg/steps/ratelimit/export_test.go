package ratelimit

import "time"

var WithRedisClock = withRedisClock

func (s *SlidingWindow) SetClock(now func() time.Time) {
	s.now = now
}
