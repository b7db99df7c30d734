package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/di"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/handlers"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/auth"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/config"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/observability"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/secrets"
)

const (
	markerCleanupInterval = time.Hour
	markerCleanupBatch    = 500
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build dependency container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	orderHandlers, err := handlers.NewOrderHandlers(container.Services.Orders, container.Audit)
	if err != nil {
		logger.Fatal("failed to initialise order handlers", zap.Error(err))
	}
	webhookHandlers, err := handlers.NewWebhookHandlers(container.Services.Webhooks)
	if err != nil {
		logger.Fatal("failed to initialise webhook handlers", zap.Error(err))
	}
	internalHandlers, err := handlers.NewInternalHandlers(container.Services.Sweep, container.Events)
	if err != nil {
		logger.Fatal("failed to initialise internal handlers", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(container.Health)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if mw := buildWebhookMiddleware(logger.Named("auth"), cfg); mw != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(mw))
	}
	if mw := buildOIDCMiddleware(logger.Named("auth"), cfg); mw != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(mw))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(markerCleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("webhook_markers")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := container.Events.CleanupExpired(runCtx, time.Now().UTC(), markerCleanupBatch)
				cancel()
				if err != nil {
					cleanupLogger.Error("marker cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("marker cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("fulfillment api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildWebhookMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Zinc.WebhookSecret) == "" {
		logger.Warn("auth: webhook secret not configured; push deliveries will be rejected")
		return nil
	}
	verifier, err := auth.NewWebhookVerifier(cfg.Zinc.WebhookSecret,
		auth.WithSignatureHeader(cfg.Security.HMAC.SignatureHeader),
		auth.WithTimestampHeader(cfg.Security.HMAC.TimestampHeader),
		auth.WithClockSkew(cfg.Security.HMAC.ClockSkew),
	)
	if err != nil {
		logger.Fatal("failed to initialise webhook verifier", zap.Error(err))
	}
	return verifier.Middleware(nil)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes are unauthenticated")
		return nil
	}
	verifier, err := auth.NewOIDCVerifier(auth.OIDCVerifierConfig{
		JWKSURL:  cfg.Security.OIDC.JWKSURL,
		Audience: cfg.Security.OIDC.Audience,
		Issuers:  cfg.Security.OIDC.Issuers,
		Logger:   observability.NewPrintfAdapter(logger),
	})
	if err != nil {
		logger.Fatal("failed to initialise oidc verifier", zap.Error(err))
	}
	return verifier.Middleware(nil)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}
