package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateRecord struct {
	count  int
	reset  time.Time
	window time.Duration
}

// RateLimiter tracks per-key request usage within a fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow returns true if the caller may proceed under the provided limit and window.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec := rl.entries[key]
	if rec.window == 0 || now.After(rec.reset) {
		rec.count = 0
		rec.window = window
		rec.reset = now.Add(window)
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Prune drops windows that have already reset.
func (rl *RateLimiter) Prune() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

// RateLimiterStats is reported on /healthz.
type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// rateLimited wraps handler with a per-key limit. Keys are namespaced by name.
func (s *Server) rateLimited(name string, limit int, window time.Duration, keyFn func(*gin.Context) string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.allow(c, name+":"+keyFn(c), limit, window) {
			return
		}
		handler(c)
	}
}

// allow reports whether key may proceed and writes the 429 response when not.
func (s *Server) allow(c *gin.Context, key string, limit int, window time.Duration) bool {
	if s.rateLimiter.Allow(key, limit, window) {
		return true
	}
	c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
	respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
	return false
}

func clientIP(c *gin.Context) string {
	return c.ClientIP()
}
