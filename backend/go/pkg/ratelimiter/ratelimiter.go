package ratelimiter

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter is the interface for rate limiting.
type RateLimiter interface {
	// Allow returns true if the request is allowed, otherwise returns false.
	Allow() bool
}

// Algorithm names accepted by New.
const (
	AlgorithmTokenBucket = "tokenBucket"
	AlgorithmFixedWindow = "fixedWindow"
	AlgorithmSlidingLog  = "slidingLog"
)

// Settings describes one limiter. Rate/Capacity apply to the token bucket,
// Limit/Window to the window based algorithms.
type Settings struct {
	Algorithm string
	Rate      float64
	Capacity  int
	Limit     int
	Window    time.Duration
}

// New builds a limiter for the named algorithm.
func New(s Settings) (RateLimiter, error) {
	switch s.Algorithm {
	case "", AlgorithmTokenBucket:
		if s.Rate <= 0 || s.Capacity <= 0 {
			return nil, fmt.Errorf("token bucket needs rate > 0 and capacity > 0")
		}
		return NewTokenBucket(s.Rate, s.Capacity), nil
	case AlgorithmFixedWindow:
		if s.Limit <= 0 || s.Window <= 0 {
			return nil, fmt.Errorf("fixed window needs limit > 0 and window > 0")
		}
		return NewFixedWindowCounter(s.Limit, s.Window), nil
	case AlgorithmSlidingLog:
		if s.Limit <= 0 || s.Window <= 0 {
			return nil, fmt.Errorf("sliding log needs limit > 0 and window > 0")
		}
		return NewSlidingWindowLog(s.Limit, s.Window), nil
	default:
		return nil, fmt.Errorf("unknown rate limiter algorithm %q", s.Algorithm)
	}
}

// Keyed keeps one limiter per key (usually the client IP), created lazily.
type Keyed struct {
	settings Settings
	mu       sync.Mutex
	limiters map[string]RateLimiter
}

// NewKeyed validates the settings once and returns a per-key limiter.
func NewKeyed(s Settings) (*Keyed, error) {
	if _, err := New(s); err != nil {
		return nil, err
	}
	return &Keyed{settings: s, limiters: make(map[string]RateLimiter)}, nil
}

// AllowKey reports whether a request for key is allowed.
func (k *Keyed) AllowKey(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		// settings were validated in NewKeyed
		l, _ = New(k.settings)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}
