package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/newsgate/paywall_services/internal/platform/config"
	"github.com/newsgate/paywall_services/internal/platform/database"
	"github.com/newsgate/paywall_services/internal/platform/logger"
	"github.com/newsgate/paywall_services/internal/platform/messagebroker"
	"github.com/newsgate/paywall_services/internal/platform/redisclient"
	"github.com/newsgate/paywall_services/internal/unlock_service/adapters/paymentprovider"
	"github.com/newsgate/paywall_services/internal/unlock_service/app"
	"github.com/newsgate/paywall_services/internal/unlock_service/auth"
	"github.com/newsgate/paywall_services/internal/unlock_service/classifier"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository/postgres"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository/redisstore"
	"github.com/newsgate/paywall_services/internal/unlock_service/settings"
	transporthttp "github.com/newsgate/paywall_services/internal/unlock_service/transport/http"
)

const (
	serviceName     = "unlock-service"
	shutdownTimeout = 15 * time.Second
)

// httpLogger is a middleware that logs HTTP requests using slog.
func httpLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			requestID := chiMiddleware.GetReqID(r.Context())

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", ww.Status()),
				slog.Int64("duration_ms", duration.Milliseconds()),
				slog.String("request_id", requestID),
			)
		}
		return http.HandlerFunc(fn)
	}
}

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)

	appLogger.Info("Unlock service starting...",
		"http_port", cfg.HTTPPort,
		"metrics_port", cfg.MetricsPort,
		"log_level", cfg.LogLevel,
	)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL")

	redisClient, err := redisclient.New(mainCtx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		appLogger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	appLogger.Info("Successfully connected to Redis")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS")

	netClassifier, err := classifier.LoadFromFile(cfg.CarrierRangesPath)
	if err != nil {
		appLogger.Error("Failed to load carrier ranges", "error", err, "path", cfg.CarrierRangesPath)
		os.Exit(1)
	}
	appLogger.Info("Carrier range table loaded", "ranges", netClassifier.Len())

	unlockRepo := postgres.NewPgUnlockRepository(appLogger)
	articleRepo := postgres.NewPgArticleRepository(dbPool, appLogger)
	settingRepo := postgres.NewPgSettingRepository(dbPool, appLogger)
	sessionStore := redisstore.NewSessionStore(redisClient, appLogger)
	settingsCache := settings.NewCachedStore(settingRepo, cfg.SettingsCacheTTL, appLogger)

	provider := paymentprovider.NewHTTPProvider(
		"carrierpay",
		cfg.ProviderBaseURL,
		cfg.ProviderAPIKey,
		cfg.ProviderWebhookSecret,
		cfg.ProviderCallTimeout,
		appLogger,
	)

	ledger := app.NewUnlockLedger(unlockRepo, dbPool, natsClient, cfg.InitiateDedupWindow, appLogger)
	flow := app.NewIdentificationFlow(
		sessionStore,
		articleRepo,
		provider,
		ledger,
		natsClient,
		cfg.SessionTTL,
		cfg.SessionGraceTTL,
		cfg.PublicBaseURL+"/api/v1/identification/callback",
		appLogger,
	)
	entitlement := app.NewEntitlementService(ledger, settingsCache, natsClient, cfg.BypassSecret, appLogger)

	tokens := auth.NewTokenCodec(cfg.IdentityTokenSecret, cfg.IdentityCookieTTL)
	cookies := &auth.CookieWriter{
		Name:   cfg.IdentityCookieName,
		Domain: cfg.CookieDomain,
		TTL:    cfg.IdentityCookieTTL,
	}

	unlockHandler := transporthttp.NewUnlockHandler(
		netClassifier, flow, entitlement, articleRepo,
		tokens, cookies, cfg.ConnectingIPHeader, appLogger,
	)
	appLogger.Info("Unlock pipeline initialized")

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(httpLogger(appLogger))
	router.Use(chiMiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Route("/api/v1", func(r chi.Router) {
		unlockHandler.RegisterRoutes(r)
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		appLogger.Info("Metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			appLogger.Info("Shutdown signal received", "signal", sig.String())
			mainCancel()
		case <-groupCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("HTTP server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Unlock service stopped")
}
