package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/api"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/audit"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/auth"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/config"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/evaluator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/executor"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/llm"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/observability"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/orchestrator"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/scorer"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/stream"
)

// setupLogging installs the default slog handler from LOG_LEVEL/LOG_FORMAT.
func setupLogging(cfg *config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func runServe(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, config.Load(), stdout); err != nil {
		fmt.Fprintf(stderr, "helm-dispatch: %v\n", err)
		return 1
	}
	return 0
}

//nolint:gocognit,gocyclo
func serve(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	setupLogging(cfg, os.Stderr)
	fmt.Fprintf(stdout, "%sHELM Dispatch %s starting...%s\n", ColorBold+ColorBlue, Version, ColorReset)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	policy, err := config.LoadRoutingPolicy(cfg.RoutingPolicyFile)
	if err != nil {
		return err
	}
	if cfg.RoutingPolicyFile != "" {
		log.Printf("[helm-dispatch] routing policy: loaded %s", cfg.RoutingPolicyFile)
	}

	telemetry, err := observability.New(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	}()

	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	keys, err := keySet(cfg)
	if err != nil {
		return err
	}
	authn := auth.NewAuthenticator(keys, svc.identities, svc.revocations, auth.WithTTL(cfg.TokenTTL))
	if err := bootstrapAdmin(ctx, svc.identities, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return err
	}

	backend := llm.NewOpenAIClient(cfg.LLMServiceURL, cfg.LLMAPIKey, cfg.LLMModel)
	catalog, err := engine.NewCatalog(policy.Engines, backend, nil)
	if err != nil {
		return fmt.Errorf("engine catalog: %w", err)
	}
	admission, err := evaluator.NewAdmission(policy.Engines)
	if err != nil {
		return fmt.Errorf("admission rules: %w", err)
	}
	log.Printf("[helm-dispatch] engines: %v via %s", catalog.IDs(), cfg.LLMServiceURL)

	recorder := audit.NewRecorder(svc.auditLog, audit.WithTimeout(cfg.AuditTimeout))
	hub := stream.NewHub()
	eval := evaluator.New(catalog, svc.load,
		evaluator.WithLedger(svc.ledger),
		evaluator.WithAdmission(admission),
	)
	dispatcher := executor.New(catalog, svc.load,
		executor.WithStore(svc.history),
		executor.WithLedger(svc.ledger),
		executor.WithMeter(svc.meter),
		executor.WithArchive(artifacts.NewArchive(svc.blobs)),
		executor.WithRecorder(recorder),
		executor.WithPublisher(hub),
		executor.WithObserver(eval),
		executor.WithTelemetry(telemetry),
		executor.WithTimeout(cfg.ExecutionTimeout),
		executor.WithMaxRetries(cfg.MaxRetries),
	)
	orch := orchestrator.New(orchestrator.Deps{
		Catalog:    catalog,
		Scorer:     scorer.New(policy.Weights),
		Evaluator:  eval,
		Policy:     policy.Routing,
		Dispatcher: dispatcher,
		History:    svc.history,
		Recorder:   recorder,
		Telemetry:  telemetry,
	})

	loginLimiter := api.NewGlobalRateLimiter(cfg.AuthRateLimitRPM, max(1, cfg.AuthRateLimitRPM/6))
	go loginLimiter.Run(ctx)

	srv := gateway.New(gateway.Deps{
		Orchestrator:      orch,
		Authenticator:     authn,
		Hub:               hub,
		Recorder:          recorder,
		Exporter:          audit.NewExporter(svc.auditLog),
		Idempotency:       svc.idempotency,
		Limiter:           svc.limiter,
		Limits:            kernel.BackpressurePolicy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst},
		LoginLimiter:      loginLimiter,
		AllowRegistration: cfg.AllowRegistration,
		CORSOrigins:       cfg.CORSOrigins,
		WSOrigins:         cfg.WSOrigins,
		Checks:            svc.checks(),
		Version:           Version,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[helm-dispatch] ready: http://localhost:%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Println("[helm-dispatch] shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		log.Printf("[helm-dispatch] http shutdown: %v", err)
	}
	if err := dispatcher.Drain(sctx); err != nil {
		log.Printf("[helm-dispatch] %d executions still in flight at shutdown", dispatcher.InFlight())
	}
	return nil
}

// keySet signs with JWT_SECRET when set. Otherwise keys are generated per
// process and every credential dies with it.
func keySet(cfg *config.Config) (identity.KeySet, error) {
	if cfg.JWTSecret != "" {
		return identity.NewHMACKeySet(cfg.JWTSecret)
	}
	log.Println("[helm-dispatch] JWT_SECRET not set: using an ephemeral signing key")
	return identity.NewInMemoryKeySet()
}

// bootstrapAdmin ensures the configured admin account exists. An existing
// account keeps its password.
func bootstrapAdmin(ctx context.Context, ids identity.Store, username, password string) error {
	if username == "" {
		return nil
	}
	_, err := auth.Provision(ctx, ids, username, password, identity.RoleAdmin)
	switch {
	case err == nil:
		log.Printf("[helm-dispatch] admin: created %q", username)
		return nil
	case errorir.KindOf(err) == errorir.KindUsernameTaken:
		return nil
	default:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
}
