package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// TriggerLimit configures TriggerLimiter.
type TriggerLimit struct {
	// PerSecond is the sustained number of accepted triggers.
	PerSecond float64
	// Burst is how many triggers may arrive at once.
	Burst int
}

// TriggerLimiter caps how fast manual job triggers are accepted. The bucket
// is shared by all clients: the jobs it guards hit the same factory
// databases no matter who asks.
func TriggerLimiter(cfg TriggerLimit) func(http.Handler) http.Handler {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				tooManyTriggers(w, 0)
				return
			}
			if d := res.Delay(); d > 0 {
				res.Cancel()
				tooManyTriggers(w, int(d.Seconds())+1)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			next.ServeHTTP(w, r)
		})
	}
}

func tooManyTriggers(w http.ResponseWriter, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    http.StatusTooManyRequests,
		"message": "too many job triggers",
	})
}
