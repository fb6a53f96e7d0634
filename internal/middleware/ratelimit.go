package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/audit"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/httputil"
)

// Limiter is the shared sliding-window limiter.
type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

type RateLimitMiddleware struct {
	limiter Limiter
	limit   int
	window  time.Duration
	prefix  string
	key     func(r *http.Request) string
}

// NewIPRateLimitMiddleware limits requests per client address. It expects
// RealIP to have run first.
func NewIPRateLimitMiddleware(limiter Limiter, limit int, window time.Duration, prefix string) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  "ip:" + prefix,
		key:     clientIP,
	}
}

// NewAccountRateLimitMiddleware limits requests per authenticated account.
// Anonymous requests pass through.
func NewAccountRateLimitMiddleware(limiter Limiter, limit int, window time.Duration, prefix string) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  "account:" + prefix,
		key: func(r *http.Request) string {
			if account := GetAccount(r.Context()); account != nil {
				return account.ID
			}
			return ""
		},
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.key(r)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, resetAt := m.limiter.CheckLimit(r.Context(), m.prefix+":"+id, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			log.Warn().Str("key", m.prefix).Str("id", id).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"scope": m.prefix, "path": r.URL.Path},
			})
			secondsLeft := int(time.Until(resetAt).Seconds()) + 1
			if secondsLeft < 1 {
				secondsLeft = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secondsLeft))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
