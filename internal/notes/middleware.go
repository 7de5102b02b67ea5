package notes

import (
	"net/http"
	"sync"
	"time"

	"github.com/medrex/scribe/pkg/types"
)

// SecurityHeaders marks every response as sensitive and uncacheable
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// RateLimiter is a per-clinician token bucket
type RateLimiter struct {
	buckets    map[string]*tokenBucket
	bucketsMux sync.Mutex
	limit      int
	period     time.Duration
	now        func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows limit requests per period for each key. A limit
// of zero or less disables limiting.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Allow consumes a token for key and reports whether one was available
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.limit, lastRefill: now}
		rl.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= rl.period {
		bucket.tokens = rl.limit
		bucket.lastRefill = now
	} else if refill := int(elapsed.Nanoseconds() * int64(rl.limit) / rl.period.Nanoseconds()); refill > 0 {
		// advance by whole tokens only so the remainder counts toward the next one
		bucket.tokens = min(bucket.tokens+refill, rl.limit)
		bucket.lastRefill = bucket.lastRefill.Add(time.Duration(int64(refill) * rl.period.Nanoseconds() / int64(rl.limit)))
	}

	if bucket.tokens == 0 {
		return false
	}
	bucket.tokens--
	return true
}

// Prune drops buckets idle for longer than a full period
func (rl *RateLimiter) Prune() {
	if rl == nil {
		return
	}
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	cutoff := rl.now().Add(-rl.period)
	for key, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// limitGeneration rejects generation requests over the clinician's budget
func (h *Handlers) limitGeneration(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())
		if claims != nil && !h.limiter.Allow(claims.ClinicianID) {
			h.logger.Security("generation_rate_limited", claims.ClinicianID, map[string]interface{}{
				"path": r.URL.Path,
			})
			h.writeError(w, r, types.NewRateLimitedError("too many generation requests, retry later"))
			return
		}
		next(w, r)
	}
}
