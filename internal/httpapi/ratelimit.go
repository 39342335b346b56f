package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/syncx"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxTrackedReplicas bounds the limiters kept in memory; the least recently
// seen replica starts over with a full bucket
const maxTrackedReplicas = 10000

// RateLimitInfo describes the per-replica token bucket
type RateLimitInfo struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

// RateLimiter manages per-replica token buckets
type RateLimiter struct {
	config   RateLimitInfo
	limiters *lru.Cache[string, *rate.Limiter]
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	if config.Burst < 1 {
		config.Burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](maxTrackedReplicas)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return &RateLimiter{config: config, limiters: cache, now: time.Now}
}

func (rl *RateLimiter) limiter(replica string) *rate.Limiter {
	if l, ok := rl.limiters.Get(replica); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)
	if prev, ok, _ := rl.limiters.PeekOrAdd(replica, l); ok {
		return prev
	}
	return l
}

// Allow consumes a token for the replica. When none is left it returns the
// wait until the next one.
func (rl *RateLimiter) Allow(replica string) (bool, int, time.Duration) {
	l := rl.limiter(replica)
	now := rl.now()
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return false, 0, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, 0, d
	}
	remaining := int(math.Max(0, math.Floor(l.TokensAt(now))))
	return true, remaining, 0
}

// RateLimitMiddleware returns a middleware that enforces rate limiting per replica.
// A zero rate disables it.
func RateLimitMiddleware(config RateLimitInfo) func(http.Handler) http.Handler {
	if config.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := NewRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			replica := auth.ReplicaID(r.Context())
			if replica == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, wait := limiter.Allow(replica)

			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(config.RequestsPerSecond, 'f', -1, 64))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(limiter.config.Burst))

			if !allowed {
				retryAfter := int(math.Ceil(wait.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("Rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests, &syncx.Error{
					Kind:    syncx.KindRateLimited,
					Side:    syncx.ServerSide,
					Message: "rate limit exceeded, retry after " + strconv.Itoa(retryAfter) + " seconds",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
