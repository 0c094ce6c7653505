package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/api"
	"github.com/tidewave/herald/internal/campaign"
	"github.com/tidewave/herald/internal/circuitbreaker"
	"github.com/tidewave/herald/internal/config"
	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/metrics"
	"github.com/tidewave/herald/internal/observ"
	"github.com/tidewave/herald/internal/provider"
	"github.com/tidewave/herald/internal/quota"
	"github.com/tidewave/herald/internal/redis"
	"github.com/tidewave/herald/internal/sns"
	"github.com/tidewave/herald/internal/sqs"
	"github.com/tidewave/herald/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository and quota ledger
	repo := db.NewRepository(database, logger)
	ledger := quota.NewPGLedger(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per tenant
		})
		defer redisClient.Close()
	}

	// Initialize per-channel senders
	var senders []provider.Sender

	if cfg.WhatsAppAccessToken != "" {
		senders = append(senders, provider.NewWhatsAppSender(provider.WhatsAppConfig{
			BaseURL:     cfg.WhatsAppBaseURL,
			AccessToken: cfg.WhatsAppAccessToken,
			PhoneID:     cfg.WhatsAppPhoneID,
			Timeout:     time.Duration(cfg.DispatchTimeout) * time.Second,
		}, logger))
	}

	sesSender, err := provider.NewSESSender(ctx, provider.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email dispatch disabled",
			zap.Error(err),
		)
	} else {
		senders = append(senders, sesSender)
	}

	if len(senders) == 0 {
		// Development fallback: log instead of dispatching.
		senders = append(senders, provider.NewLogSender(logger))
	}

	multiSender := provider.NewMultiSender(logger, senders...)

	// Wrap dispatch in a circuit breaker so a dying provider fails fast
	// instead of burning the dispatch timeout per recipient.
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("provider-dispatch"), logger)
	sender := circuitbreaker.NewProtectedSender(multiSender, breaker, logger)

	logger.Info("initialized campaign dispatch",
		zap.Bool("whatsapp_enabled", cfg.WhatsAppAccessToken != ""),
		zap.Bool("email_enabled", sesSender != nil),
	)

	// Initialize send orchestrator
	orchestrator := campaign.NewOrchestrator(
		repo, repo, repo, repo,
		ledger,
		sender,
		campaign.Config{
			DispatchTimeout: time.Duration(cfg.DispatchTimeout) * time.Second,
		},
		logger,
	)

	// Optional SNS fan-out of applied status changes
	var publisher webhook.EventPublisher
	if cfg.SNSEventTopicARN != "" {
		p, err := sns.NewPublisher(ctx, cfg.SNSRegion, cfg.SNSEventTopicARN)
		if err != nil {
			logger.Warn("sns publisher unavailable, status events will not fan out",
				zap.Error(err),
			)
		} else {
			publisher = p
		}
	}

	reconciler := webhook.NewReconciler(repo, publisher, logger)

	// Optional SQS consumer for queued SES delivery notifications
	if cfg.SQSQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, reconciler, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queued email notifications will not be reconciled",
				zap.Error(err),
			)
		} else {
			consumerCtx, consumerCancel := context.WithCancel(context.Background())
			defer consumerCancel()
			go consumer.Run(consumerCtx)
		}
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, orchestrator, reconciler, cfg.WhatsAppVerifyToken, idempotencyService)
	} else {
		handler = api.NewHandler(logger, repo, orchestrator, reconciler, cfg.WhatsAppVerifyToken)
	}

	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

		r.Post("/campaigns", handler.CreateCampaign)
		r.Get("/campaigns", handler.ListCampaigns)
		r.Get("/campaigns/{id}", handler.GetCampaign)
		r.Post("/campaigns/{id}/send", handler.SendCampaign)
		r.Post("/campaigns/{id}/resend", handler.ResendCampaign)
		r.Post("/campaigns/{id}/archive", handler.ArchiveCampaign)

		r.Get("/events", handler.ListStatusEvents)
	})

	healthHandler := func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB DOWN"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}

	// Provider callbacks are unauthenticated by the provider's design; no
	// tenant rate limit applies here. Health and the event feed are also
	// exposed on this surface for webhook-side monitoring.
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/whatsapp", handler.VerifyWhatsAppWebhook)
		r.Post("/whatsapp", handler.WhatsAppWebhook)
		r.Post("/email", handler.EmailWebhook)
		r.Get("/health", healthHandler)
		r.Get("/events", handler.ListStatusEvents)
	})

	// Health check
	r.Get("/health", healthHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
