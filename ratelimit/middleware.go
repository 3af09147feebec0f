package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

// KeyFunc extracts the limiter key of a request. An empty key bypasses the
// limiter.
type KeyFunc func(r *http.Request) string

type rejection struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// Middleware rejects requests over the limit with 429, a Retry-After header
// and a JSON body carrying the same number of seconds.
func Middleware(l *Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(k)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.settings.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejection{Error: "rate limit exceeded", RetryAfter: secs})
		})
	}
}
