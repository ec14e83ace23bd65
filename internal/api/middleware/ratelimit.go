package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/podcleaner/internal/api/response"
	"github.com/kiranshivaraju/podcleaner/internal/cache"
)

const defaultRequestsPerMinute = 60

// RateLimit counts requests per API key in fixed one-minute windows
// aligned to the clock, so every replica shares the same Redis counter.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	window         time.Duration
	now            func() time.Time
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, window: time.Minute, now: time.Now}
}

// Limit applies rate limiting based on the key_prefix set by auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		start := rl.now().Truncate(rl.window)
		reset := start.Add(rl.window)
		key := cache.RateLimitKey(prefix, start)

		// The counter outlives its window slightly so a late INCR cannot
		// recreate it without an expiry.
		count, err := rl.cache.IncrWithExpiry(r.Context(), key, rl.window+5*time.Second)
		if err != nil {
			slog.Warn("rate limit check failed, allowing request", "key_prefix", prefix, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			wait := int(reset.Sub(rl.now()).Seconds() + 0.999)
			w.Header().Set("Retry-After", strconv.Itoa(max(wait, 1)))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
