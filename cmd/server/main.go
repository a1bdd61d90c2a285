package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/academy-billing/internal"
	"github.com/DukeRupert/academy-billing/internal/billing"
	"github.com/DukeRupert/academy-billing/internal/billing/mock"
	"github.com/DukeRupert/academy-billing/internal/cache"
	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/email"
	"github.com/DukeRupert/academy-billing/internal/handler"
	"github.com/DukeRupert/academy-billing/internal/jobs"
	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/DukeRupert/academy-billing/internal/middleware"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/DukeRupert/academy-billing/internal/scheduler"
	"github.com/DukeRupert/academy-billing/internal/service"
	"github.com/DukeRupert/academy-billing/internal/storage"
	"github.com/DukeRupert/academy-billing/internal/worker"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// sweepTimeout bounds one scheduled sweep run.
const sweepTimeout = 10 * time.Minute

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	if err := domain.ValidateCatalog(); err != nil {
		return fmt.Errorf("plan catalog invalid: %w", err)
	}

	// Initialize database connection
	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Run migrations
	if err := internal.RunMigrations(ctx, db, logger.With("component", "migrate")); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	store := repository.NewStore(db)

	// ==========================================================================
	// Integrations
	// ==========================================================================

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Billing gateway configured", "provider", gateway.Name())

	seen, closeCache, err := newDeduper(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	archive, err := newArchive(cfg, logger)
	if err != nil {
		return err
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return err
	}

	// Initialize services
	opts := service.Options{
		GatewayTimeout: cfg.GatewayTimeout,
		TrialDays:      cfg.TrialDays,
		SweepBatchSize: int32(cfg.SweepBatchSize),
	}
	subscriptions := service.NewSubscriptionService(store, gateway, mailer, opts, logger)
	payments := service.NewPaymentMethodService(store, gateway, opts, logger)
	renewals := service.NewRenewalService(store, gateway, mailer, opts, logger)
	webhooks := service.NewWebhookService(store, gateway, seen, archive, mailer, opts, logger)

	// Initialize middleware
	isSecure := cfg.Env != "development"
	authMw := middleware.NewAuthMiddleware(cfg.AuthJWTSecret, store, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, logger)
	defer limiter.Stop()
	rateMw := middleware.NewRateLimitMiddleware(limiter, logger)
	webhookLimiter := middleware.NewRateLimiter(cfg.WebhookRateLimitPerMinute, logger)
	defer webhookLimiter.Stop()
	webhookRateMw := middleware.NewRateLimitMiddleware(webhookLimiter, logger)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)

	protect := func(h http.Handler) http.Handler {
		return authMw.RequireAcademy(rateMw.Limit(h))
	}

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	handler.NewHealthHandler(db, logger).RegisterRoutes(mux)
	handler.NewBillingHandler(subscriptions, payments, logger).RegisterRoutes(mux, protect)
	handler.NewWebhookHandler(webhooks, logger).RegisterRoutes(mux, webhookRateMw.Limit)

	if cfg.MetricsUsername != "" {
		basicAuth := middleware.NewBasicAuth("metrics", cfg.MetricsUsername, cfg.MetricsPassword)
		mux.Handle("GET /metrics", basicAuth.Handler(promhttp.Handler()))
	} else {
		logger.Warn("METRICS_USERNAME not set, /metrics is disabled")
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler.NotFoundResponse(w, r, logger)
	})

	root := metrics.Middleware(loggingMw.Handler(securityMw.Handler(mux)))

	// ==========================================================================
	// Background work
	// ==========================================================================

	var w *worker.Worker
	if cfg.WorkerEnabled {
		wcfg := worker.DefaultConfig()
		wcfg.Concurrency = cfg.WorkerConcurrency
		wcfg.PollInterval = cfg.WorkerPollInterval
		wcfg.JobTimeout = cfg.WorkerJobTimeout

		w, err = worker.New(repository.New(db), wcfg, logger)
		if err != nil {
			return fmt.Errorf("worker initialization failed: %w", err)
		}
		w.Register(jobs.NewChargeSubscriptionHandler(renewals, logger))
	} else {
		logger.Warn("Worker disabled, renewal jobs will queue without being charged")
	}

	sched, err := scheduler.New(logger, sweepTimeout,
		scheduler.Sweep{Name: "pending_changes", Spec: cfg.SchedulePendingChanges, Run: renewals.ApplyDuePendingChanges},
		scheduler.Sweep{Name: "expire_canceled", Spec: cfg.ScheduleExpireCanceled, Run: renewals.ExpireCanceled},
		scheduler.Sweep{Name: "renewals", Spec: cfg.ScheduleRenewals, Run: renewals.EnqueueRenewals},
	)
	if err != nil {
		return fmt.Errorf("scheduler initialization failed: %w", err)
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	if w != nil {
		w.Start(bgCtx)
	}
	sched.Start(bgCtx)
	logger.Info("Scheduler started", "sweeps", sched.Entries())

	// ==========================================================================
	// Start server
	// ==========================================================================

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("Shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown failed", "error", err)
	}
	if w != nil {
		if err := w.Stop(shutdownCtx); err != nil {
			logger.Error("Worker shutdown failed", "error", err)
		}
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func newGateway(cfg *internal.Config, logger *slog.Logger) (billing.Gateway, error) {
	switch cfg.BillingProvider {
	case "stripe":
		return billing.NewStripeGateway(billing.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.BaseURL + "/billing/return?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:     cfg.BaseURL + "/billing/cancel",
		}), nil
	case "portone":
		return billing.NewPortOneGateway(billing.PortOneConfig{
			APISecret:     cfg.PortOneAPISecret,
			StoreID:       cfg.PortOneStoreID,
			ChannelKey:    cfg.PortOneChannelKey,
			WebhookSecret: cfg.PortOneWebhookSecret,
			HTTPClient:    &http.Client{Timeout: cfg.GatewayTimeout},
		}), nil
	case "mock":
		logger.Warn("Using mock billing gateway, no real charges are made")
		return mock.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown billing provider %q", cfg.BillingProvider)
	}
}

// newDeduper builds the webhook delivery cache. With REDIS_URL set, the
// in-process LRU sits in front of a shared Redis set.
func newDeduper(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (cache.Deduper, func(), error) {
	local := cache.NewLRU(cfg.WebhookCacheSize, cfg.WebhookCacheTTL)
	if cfg.RedisURL == "" {
		return local, func() {}, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Webhook dedupe cache using redis", "addr", redisOpts.Addr)

	shared := cache.NewRedis(client, "billing:webhook:", cfg.WebhookCacheTTL)
	return cache.NewTiered(local, shared), func() { _ = client.Close() }, nil
}

func newArchive(cfg *internal.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.StorageProvider {
	case "local":
		s, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: cfg.LocalStoragePath}, logger)
		if err != nil {
			return nil, fmt.Errorf("local storage initialization failed: %w", err)
		}
		return s, nil
	case "r2":
		s, err := storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			Region:          "auto",
			Endpoint:        cfg.R2Endpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("r2 storage initialization failed: %w", err)
		}
		return s, nil
	case "none":
		logger.Warn("Webhook payload archive disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}

func newMailer(cfg *internal.Config, logger *slog.Logger) (email.EmailService, error) {
	if cfg.EmailProvider == "log" {
		return email.NewLogEmailService(logger), nil
	}
	mailer, err := email.NewSMTPEmailService(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, cfg.BaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("email service initialization failed: %w", err)
	}
	return mailer, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
