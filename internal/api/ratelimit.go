package api

import (
	"sync"
	"time"
)

// RateLimiter tracks attempts per client IP in a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks if a request from the given IP is allowed.
// Returns true if under limit, false if rate limited.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// Check if already at limit BEFORE recording this attempt
	if len(recent) >= r.limit {
		r.attempts[ip] = recent
		return false
	}

	r.attempts[ip] = append(recent, now)
	r.prune(cutoff)
	return true
}

// Reset clears attempts for an IP (on successful pairing).
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// prune drops IPs whose attempts all left the window.
func (r *RateLimiter) prune(cutoff time.Time) {
	for ip, ts := range r.attempts {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(r.attempts, ip)
		}
	}
}
