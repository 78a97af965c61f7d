// Package main is the entry point for the canaryz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Create the repository, flag service (eagerly loading the flag cache),
//     experiment tracker, health monitor, and rollout controller.
//  4. Re-attach executions for rollouts that were active at last shutdown.
//  5. Start the HTTP server (:8080) and, if configured, the tailnet-only
//     admin listener.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"

	"github.com/matt-riley/canaryz/internal/config"
	"github.com/matt-riley/canaryz/internal/experiment"
	"github.com/matt-riley/canaryz/internal/flags"
	"github.com/matt-riley/canaryz/internal/health"
	"github.com/matt-riley/canaryz/internal/logging"
	"github.com/matt-riley/canaryz/internal/metrics"
	"github.com/matt-riley/canaryz/internal/middleware"
	"github.com/matt-riley/canaryz/internal/repository"
	"github.com/matt-riley/canaryz/internal/rollout"
	"github.com/matt-riley/canaryz/internal/server"
	"github.com/matt-riley/canaryz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	flagSvc, err := flags.New(ctx, repo,
		flags.WithLogger(log),
		flags.WithCacheResyncInterval(cfg.CacheResyncInterval),
		flags.WithCacheMetrics(m.CacheLoadsTotal.Inc, m.CacheInvalidations.Inc),
		flags.WithEvaluationMetrics(m.RecordEvaluation, m.EvaluationErrorsTotal.Inc),
	)
	if err != nil {
		return fmt.Errorf("init flag service: %w", err)
	}

	tracker := experiment.New(ctx, repo, flagSvc,
		experiment.WithLogger(log),
		experiment.WithBufferSize(cfg.TrackBufferSize),
		experiment.WithTrackingMetrics(m.EventsTrackedTotal.Inc, m.EventsDroppedTotal.Inc),
	)
	defer tracker.Close()

	monitor := health.NewMonitor(healthProvider(cfg, m),
		health.WithLogger(log),
		health.WithOnDegraded(m.HealthDegradedTotal.Inc),
	)

	controller := rollout.New(repo, flagSvc, monitor, notificationSink(cfg, log),
		rollout.WithLogger(log),
		rollout.WithSweepInterval(cfg.SweepInterval),
		rollout.WithTransitionMetrics(
			m.RolloutStageAdvances.Inc,
			m.RolloutRollbacks.Inc,
			m.RolloutCompletions.Inc,
			m.RecordSweep,
		),
	)
	defer controller.Close()

	if err := controller.ResumeActive(ctx); err != nil {
		return fmt.Errorf("resume active rollouts: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	tokenValidator := &apiKeyTokenValidator{lookup: repo}
	apiHandler := server.NewHTTPHandler(server.HandlerConfig{
		Flags:        flagSvc,
		Tracker:      tracker,
		Rollouts:     controller,
		Metrics:      m.Handler(),
		MaxBodyBytes: cfg.MaxJSONBodySize,
	})
	httpHandler := newHTTPHandler(apiHandler, tokenValidator,
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithRateLimiter(rateLimiter),
	)
	httpHandler = middleware.RequestLogging(log, m.RecordHTTPRequest)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "canaryz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	var tsServer *tsnet.Server
	if cfg.AdminHostname != "" {
		if cfg.TSAuthKey == "" {
			return errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
		}

		if err := os.MkdirAll(cfg.TSStateDir, 0700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}

		tsServer = &tsnet.Server{
			Hostname: cfg.AdminHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      cfg.TSStateDir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}

		adminLis, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("admin listener started", "hostname", cfg.AdminHostname, "transport", "tailscale")

		adminServer := &http.Server{Handler: server.NewAdminHandler(repo)}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server shutdown error", "error", err)
			}
		}()
		go func() {
			if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// healthProvider picks where rollout health samples come from: an external
// metrics endpoint when configured, otherwise the server's own request
// metrics.
func healthProvider(cfg config.Config, m *metrics.Metrics) health.MetricsProvider {
	if cfg.HealthMetricsURL != "" {
		return &health.HTTPProvider{URL: cfg.HealthMetricsURL}
	}
	return m.HealthProvider()
}

func notificationSink(cfg config.Config, log *slog.Logger) rollout.NotificationSink {
	if cfg.NotifyWebhookURL != "" {
		return rollout.WebhookSink{URL: cfg.NotifyWebhookURL}
	}
	return rollout.LogSink{Log: log}
}

// newHTTPHandler wraps the API in bearer auth, leaving only the health and
// metrics endpoints public.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.BearerAuth(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errors.New("invalid token format")
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}
