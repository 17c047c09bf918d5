package httpapi

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/config"
	"github.com/tessellate-ai/ltm/internal/metrics"
)

// roleLimiter applies a token bucket per caller role. Limits come from
// the hot-reloadable tunables; RPS of 0 disables limiting entirely.
type roleLimiter struct {
	tunables func() config.Tunables
	log      *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRoleLimiter(tunables func() config.Tunables, log *zap.Logger) *roleLimiter {
	return &roleLimiter{
		tunables: tunables,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

func effectiveBurst(cfg config.RateLimitConfig) int {
	if cfg.Burst > 0 {
		return cfg.Burst
	}
	if b := int(cfg.RPS); b > 0 {
		return b
	}
	return 1
}

// allow consumes one token for the role, resizing the bucket first if
// the tunables changed since the last request.
func (l *roleLimiter) allow(role string) bool {
	cfg := l.tunables().RateLimit
	if cfg.RPS <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[role]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(cfg.RPS), effectiveBurst(cfg))
		l.limiters[role] = lim
	}
	if lim.Limit() != rate.Limit(cfg.RPS) {
		lim.SetLimit(rate.Limit(cfg.RPS))
	}
	if lim.Burst() != effectiveBurst(cfg) {
		lim.SetBurst(effectiveBurst(cfg))
	}
	return lim.Allow()
}

func (l *roleLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := callerRole(r)
		if !l.allow(role) {
			l.log.Warn("rate limit exceeded",
				zap.String("role", role),
				zap.String("path", r.URL.Path),
			)
			metrics.RateLimited.WithLabelValues(role).Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, l.log, r, apierrors.E(apierrors.CodeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
