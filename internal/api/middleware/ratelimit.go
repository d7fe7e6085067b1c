package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chatsync-dev/chatsync/internal/auth"
	"github.com/chatsync-dev/chatsync/internal/metrics"
)

// DefaultLimiterIdle is how long an unused bucket is kept.
const DefaultLimiterIdle = 10 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter keeps one token bucket per key. Buckets unused for longer than
// the idle period are dropped.
type RateLimiter struct {
	mu        sync.Mutex
	m         map[string]*bucket
	rps       float64
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
	logger    zerolog.Logger
}

func NewRateLimiter(rps float64, burst int, logger zerolog.Logger) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		m:      make(map[string]*bucket),
		rps:    rps,
		burst:  burst,
		idle:   DefaultLimiterIdle,
		now:    time.Now,
		logger: logger,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idle {
		rl.sweepLocked(now)
	}
	if b, ok := rl.m[key]; ok {
		b.seen = now
		return b.lim
	}
	b := &bucket{lim: rate.NewLimiter(rate.Limit(rl.rps), rl.burst), seen: now}
	rl.m[key] = b
	return b.lim
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, b := range rl.m {
		if now.Sub(b.seen) >= rl.idle {
			delete(rl.m, key)
		}
	}
	rl.lastSweep = now
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// Limit rate limits an endpoint per sender: the session user when the
// request carries one, the client IP otherwise.
func (rl *RateLimiter) Limit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := senderKey(r)
			if !rl.Allow(endpoint + "|" + key) {
				metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
				rl.logger.Warn().
					Str("event", "rate_limit_exceeded").
					Str("endpoint", endpoint).
					Str("key", key).
					Msg("rate limit exceeded")
				w.Header().Set("Retry-After", "1")
				jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// senderKey uses RemoteAddr only; proxy headers are folded into it by
// TrustedRealIP for trusted peers.
func senderKey(r *http.Request) string {
	if c := auth.FromContext(r.Context()); c != nil {
		return "user:" + c.UserID
	}
	return "ip:" + remoteHost(r)
}

func remoteHost(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
