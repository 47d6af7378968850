package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maatini/unistore/internal/tenant"
)

// RateLimitConfig tunes the per-tenant token bucket. MaxRequests per
// WindowSeconds sets the refill rate; Burst caps how far a tenant can get
// ahead of it.
type RateLimitConfig struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// DefaultRateLimitConfig allows 600 requests per minute with a 120 request
// burst per tenant.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		WindowSeconds: 60,
		MaxRequests:   600,
		Burst:         120,
	}
}

// tokenBucket is one tenant's rate limit state.
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow refills from elapsed time and consumes one token if available.
// Returns (allowed, remaining, nextTokenTime, fullResetTime).
func (tb *tokenBucket) allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	tokensNeeded := tb.capacity - tb.tokens
	fullResetTime := now.Add(time.Duration(tokensNeeded/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	nextTokenTime := now.Add(time.Duration(secondsUntilNext * float64(time.Second)))
	return false, 0, nextTokenTime, fullResetTime
}

// rateLimiter manages per-tenant token buckets. Requests without a tenant
// header share the anonymous bucket.
type rateLimiter struct {
	buckets map[string]*tokenBucket
	config  RateLimitConfig
	mu      sync.RWMutex
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  config,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) getBucket(tenantID string) *tokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[tenantID]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists := rl.buckets[tenantID]; exists {
		return bucket
	}

	refillRate := float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds)
	bucket = newTokenBucket(rl.config.Burst, refillRate)
	rl.buckets[tenantID] = bucket
	return bucket
}

// cleanupLoop drops buckets idle for over an hour so abandoned tenants do
// not accumulate.
func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for tenantID, bucket := range rl.buckets {
			bucket.mu.Lock()
			if time.Since(bucket.lastRefill) > time.Hour {
				delete(rl.buckets, tenantID)
			}
			bucket.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// rateLimitMiddleware enforces the per-tenant limit on every API request.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	config := s.RateLimitConfig
	if config.MaxRequests <= 0 || config.WindowSeconds <= 0 || config.Burst <= 0 {
		config = DefaultRateLimitConfig()
	}
	limiter := newRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := tenant.FromContext(r.Context())

			allowed, remaining, nextTokenTime, fullResetTime := limiter.getBucket(tenantID).allow()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(config.Burst))

			if !allowed {
				retryAfter := int(time.Until(nextTokenTime).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("tenant", tenantID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Status:    http.StatusTooManyRequests,
					Error:     "rate-limited",
					Message:   "rate limit exceeded, retry after " + strconv.Itoa(retryAfter) + " seconds",
					Path:      r.URL.Path,
					Timestamp: time.Now().UTC().Format(timeFormat),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
