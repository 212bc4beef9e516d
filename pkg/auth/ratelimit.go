package auth

import (
	"net"
	"net/http"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// The actor is the authenticated principal, falling back to the client IP.
// On rate limit exceeded it writes a RateLimited problem with Retry-After.
func RateLimitMiddleware(store kernel.LimiterStore, policy kernel.BackpressurePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := "ip:" + clientIP(r)
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = "principal:" + principal.ID
			}

			decision, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				api.WriteProblem(w, r, errorir.Retryable(errorir.KindRateLimited, "request rate exceeded", decision.RetryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
