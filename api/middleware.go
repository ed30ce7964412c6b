/*
middleware.go - Caller identity and per-caller rate limiting

IDENTITY:
  Authentication happens upstream. The authenticating gateway forwards the
  caller as the X-Identity header; this service trusts it as-is and only
  threads it through the request context.

RATE LIMITING:
  One token bucket per caller identity, falling back to the remote address
  for anonymous reads. Exceeding the bucket returns 429 without touching
  the engine.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/warp/escrow-engine/escrow"
)

// IdentityHeader carries the authenticated caller.
const IdentityHeader = "X-Identity"

// IdempotencyHeader carries the client's idempotency key for money movements.
const IdempotencyHeader = "Idempotency-Key"

type contextKey int

const identityKey contextKey = iota

// Identity stores the X-Identity header in the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who := escrow.Identity(strings.TrimSpace(r.Header.Get(IdentityHeader)))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, who)))
	})
}

// CallerFrom returns the identity set by the Identity middleware, or "".
func CallerFrom(ctx context.Context) escrow.Identity {
	who, _ := ctx.Value(identityKey).(escrow.Identity)
	return who
}

// =============================================================================
// RATE LIMITER
// =============================================================================

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one limiter per caller.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewRateLimiter(requestsPerSecond float64, burst int, logger logrus.FieldLogger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
		now:      time.Now,
	}
}

// getLimiter returns the limiter for key, creating it on first use.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = rl.now()
	return entry.limiter
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := string(CallerFrom(r.Context()))
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.getLimiter(key).Allow() {
			rl.logger.WithFields(logrus.Fields{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than idle and returns how many
// remain.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
	return len(rl.limiters)
}
