package auth

import (
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/health/detailed",
	"/auth/login",
	"/auth/register",
	"/auth/refresh",
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// NewMiddleware creates bearer-token auth middleware.
// If authn is nil, all non-public requests are rejected (fail closed).
func NewMiddleware(authn *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				api.WriteProblem(w, r, errorir.New(errorir.KindInvalid, "missing or malformed Authorization header (expected 'Bearer <token>')"))
				return
			}

			if authn == nil {
				api.WriteProblem(w, r, errorir.New(errorir.KindInvalid, "authentication not configured"))
				return
			}

			session, err := authn.Verify(r.Context(), token)
			if err != nil {
				api.WriteProblem(w, r, err)
				return
			}

			ctx := WithSession(WithPrincipal(r.Context(), &session.Principal), session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
