package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token rejects everything.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit allows perMinute requests per client IP and answers 429 past
// that. A non-positive perMinute disables limiting.
func RateLimit(perMinute int64) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: perMinute})
	mw := stdlib.NewMiddleware(l, stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit of %d requests per minute exceeded", perMinute)
	}))
	return mw.Handler
}
