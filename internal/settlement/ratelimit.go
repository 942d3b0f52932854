package settlement

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/atmx/perp-engine/internal/metrics"
)

// RateLimit returns a middleware that rejects requests beyond rps requests
// per second, with bursts up to burst, with 429 Too Many Requests.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				metrics.RateLimited.Inc()
				w.Header().Set("Retry-After", "1")
				writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
