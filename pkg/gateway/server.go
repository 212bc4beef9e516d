// Package gateway exposes the dispatcher over HTTP: session endpoints,
// execution submission and history, status streaming and health.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/audit"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/authz"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/orchestrator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/stream"
)

// maxBodyBytes caps request bodies on every JSON endpoint.
const maxBodyBytes = 1 << 20

// Pinger is a dependency reported by /health/detailed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components served by the gateway. Nil optional components
// disable their feature: no Limiter means no per-identity limit, no
// LoginLimiter means no per-IP limit on /auth.
type Deps struct {
	Orchestrator  *orchestrator.Orchestrator
	Authenticator *auth.Authenticator
	Hub           *stream.Hub
	Recorder      *audit.Recorder
	Exporter      *audit.Exporter
	Idempotency   api.IdempotencyStorer

	Limiter      kernel.LimiterStore
	Limits       kernel.BackpressurePolicy
	LoginLimiter *api.GlobalRateLimiter

	AllowRegistration bool
	CORSOrigins       []string
	WSOrigins         []string

	// Checks maps dependency names (database, load_state, revocation,
	// artifacts) to their health probes.
	Checks  map[string]Pinger
	Version string
}

// Server is the HTTP surface of one dispatcher instance.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Server {
	return &Server{deps: deps, logger: slog.Default().With("component", "gateway")}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(auth.CORSMiddleware(s.deps.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteMethodNotAllowed(w)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)

	r.Route("/auth", func(r chi.Router) {
		if s.deps.LoginLimiter != nil {
			r.Use(s.deps.LoginLimiter.Middleware)
		}
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/register", s.handleRegister)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.deps.Authenticator))
		r.Use(auth.RateLimitMiddleware(s.deps.Limiter, s.deps.Limits))

		r.With(api.IdempotencyMiddleware(s.deps.Idempotency, principalScope)).
			Post("/execute", s.handleExecute)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/engines", s.handleListEngines)
		if s.deps.Hub != nil {
			r.Get("/stream", stream.Handler(s.deps.Hub, streamScope, s.deps.WSOrigins))
		}
		r.With(authz.RequireRole(identity.RoleAdmin)).Get("/audit/export", s.handleAuditExport)
	})

	return r
}

func principalScope(r *http.Request) string {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return ""
	}
	return p.ID
}

func streamScope(r *http.Request) (string, bool, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return "", false, false
	}
	return p.ID, p.Role == identity.RoleAdmin, true
}
