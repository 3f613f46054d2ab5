package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Middleware guards a single route with the limiter, keyed by key. Limiter
// errors fail open: an unreachable redis must not take order intake down.
func (l Limiter) Middleware(key func(*http.Request) string, onError func(error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}
			decision, err := l.Allow(r.Context(), key(r))
			if err != nil {
				if onError != nil {
					onError(err)
				}
				next.ServeHTTP(w, r)
				return
			}

			limit := l.Max
			if limit < 0 {
				limit = 0
			}
			headers := w.Header()
			headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				retryAfter := int(time.Until(decision.ResetAt).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				headers.Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
