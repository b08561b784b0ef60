package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/config"
	"finitefield.org/clinic-console/internal/console/httpserver"
	"finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/loginguard"
	"finitefield.org/clinic-console/internal/console/observability"
	"finitefield.org/clinic-console/internal/console/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("console")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	svc, err := backend.NewService(backend.Config{
		URL:        cfg.Backend.URL,
		AnonKey:    cfg.Backend.AnonKey,
		HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
		Observer:   metrics,
	})
	if err != nil {
		logger.Fatal("failed to initialise backend service", zap.Error(err))
	}

	sessions, err := session.NewManager(session.Config{
		CookieName:   "console_session",
		HashKey:      cfg.Session.HashKey,
		BlockKey:     cfg.Session.BlockKey,
		CookiePath:   middleware.NormalizeBasePath(cfg.Server.BasePath),
		CookieSecure: cfg.Session.CookieSecure,
		IdleTimeout:  cfg.Session.IdleTimeout,
		Lifetime:     cfg.Session.Lifetime,
	})
	if err != nil {
		logger.Fatal("failed to initialise session manager", zap.Error(err))
	}

	guard, closeGuard := buildLoginGuard(cfg.Guard, logger)
	defer closeGuard()

	srv := httpserver.New(httpserver.Config{
		Address:        cfg.Server.Address,
		BasePath:       cfg.Server.BasePath,
		Environment:    cfg.Server.Environment,
		Backend:        svc,
		Sessions:       sessions,
		Authenticator:  buildAuthenticator(cfg.Backend, svc, logger),
		LoginGuard:     guard,
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("console server listening",
		zap.String("addr", cfg.Server.Address),
		zap.String("basePath", cfg.Server.BasePath),
		zap.String("environment", cfg.Server.Environment),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		cancel()
		stop()
		os.Exit(1)
	}
	logger.Info("console server stopped")
}

// buildLoginGuard shares in-flight login slots through Redis when configured so
// every replica sees them; a single instance keeps them in memory.
func buildLoginGuard(cfg config.GuardConfig, logger *zap.Logger) (loginguard.Guard, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("login guard using process memory")
		return loginguard.NewMemoryGuard(cfg.TTL), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup; login guard will fail open until it recovers",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
	} else {
		logger.Info("login guard using redis", zap.String("addr", cfg.RedisAddr))
	}
	return loginguard.NewRedisGuard(client, cfg.TTL), func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
}

func buildAuthenticator(cfg config.BackendConfig, svc *backend.Service, logger *zap.Logger) middleware.Authenticator {
	if cfg.JWTSecret != "" {
		logger.Info("verifying access tokens locally")
		return middleware.NewJWTAuthenticator(cfg.JWTSecret, middleware.WithAudience("authenticated"))
	}
	logger.Info("BACKEND_JWT_SECRET not set; verifying access tokens with the auth service")
	return middleware.NewBackendAuthenticator(svc)
}
