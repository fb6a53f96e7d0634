package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/billing"
	"github.com/rdsconnect/screen-server/internal/broadcast"
	"github.com/rdsconnect/screen-server/internal/config"
	"github.com/rdsconnect/screen-server/internal/database"
	"github.com/rdsconnect/screen-server/internal/events"
	"github.com/rdsconnect/screen-server/internal/handler"
	"github.com/rdsconnect/screen-server/internal/jobs"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/middleware"
	"github.com/rdsconnect/screen-server/internal/redis"
	"github.com/rdsconnect/screen-server/internal/registry"
	"github.com/rdsconnect/screen-server/internal/repository"
	"github.com/rdsconnect/screen-server/internal/service"
	"github.com/rdsconnect/screen-server/internal/storage"
	"github.com/rdsconnect/screen-server/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.RunMigrations {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	m := metrics.New()

	resolver, err := storage.NewResolver(storage.Config{
		PublicBaseURL: cfg.MediaPublicBaseURL,
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		URLTTL:        cfg.MediaURLTTL(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure media storage")
	}

	publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEntitlements)
	defer publisher.Close()

	broker := broadcast.NewBroker(redisClient.Client, m)
	defer broker.Close()

	accountRepo := repository.NewAccountRepository(db.DB)
	deviceRepo := repository.NewDeviceRepository(db.DB)
	planRepo := repository.NewPlanRepository(db.DB)
	subRepo := repository.NewSubscriptionRepository(db.DB)
	playlistRepo := repository.NewPlaylistRepository(db.DB)
	assignmentRepo := repository.NewAssignmentRepository(db.DB)

	sessions := registry.New()
	pairLimiter := service.NewRateLimiter(redisClient.Client)
	apiLimiter := service.NewFailOpenRateLimiter(redisClient.Client)

	ledger := service.NewEntitlementLedger(db, accountRepo, planRepo, subRepo, deviceRepo, publisher, m)
	pairing := service.NewPairingCoordinator(
		db, deviceRepo, subRepo, accountRepo, ledger, sessions, broker, pairLimiter,
		service.PairingOptions{AttemptsPerWindow: cfg.PairAttemptsPerMin, Window: config.PairAttemptWindow},
		m,
	)
	content := service.NewContentBroadcaster(db, deviceRepo, playlistRepo, assignmentRepo, resolver, broker, m)
	devices := service.NewDeviceService(deviceRepo, sessions, m)

	processor := billing.NewProcessor(cfg.StripeWebhookSecret, ledger, billing.NewFetcher(cfg.StripeSecretKey), m)

	authMiddleware := middleware.NewAuthMiddleware(accountRepo)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	checkLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		apiLimiter, cfg.DeviceCheckPerMin, config.DeviceCheckWindow, "device-check",
	)
	accountLimitMiddleware := middleware.NewAccountRateLimitMiddleware(
		apiLimiter, cfg.APIRequestsPerMin, config.APIRequestWindow, "api",
	)

	gateway := ws.NewGateway(cfg.AllowedOrigins, pairing, content, devices, broker, m)
	webhookHandler := handler.NewWebhookHandler(processor)
	devicesHandler := handler.NewDevicesHandler(devices, content, ledger)
	eventsHandler := handler.NewEventsHandler(broker, devices)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})
	r.Handle("/metrics", m.Handler())

	r.Post("/webhooks/stripe", webhookHandler.Stripe)

	r.Route("/v1", func(r chi.Router) {
		// long-lived streams are exempt from the request timeout
		r.With(authMiddleware.Optional).Get("/ws", gateway.ServeHTTP)
		r.With(authMiddleware.Handler, accountLimitMiddleware.Handler).
			Get("/devices/{deviceID}/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(securityHeadersMiddleware.Handler)
			r.Use(bodyLimitMiddleware.Handler)

			r.With(checkLimitMiddleware.Handler).Post("/devices/check", devicesHandler.Check)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Handler)
				r.Use(accountLimitMiddleware.Handler)
				r.Mount("/", devicesHandler.Routes())
			})
		})
	})

	presenceJob := jobs.NewPresenceJob(deviceRepo, sessions, m, config.PresenceJobInterval, cfg.PresenceStaleAfter())
	presenceJob.Start()
	defer presenceJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// hijacked websocket connections are not tracked by Shutdown
	gateway.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
