package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/auth"
	"github.com/openclaw/dm-responder-go/internal/config"
	"github.com/openclaw/dm-responder-go/internal/database"
	"github.com/openclaw/dm-responder-go/internal/handler"
	"github.com/openclaw/dm-responder-go/internal/jobs"
	"github.com/openclaw/dm-responder-go/internal/middleware"
	"github.com/openclaw/dm-responder-go/internal/platform"
	"github.com/openclaw/dm-responder-go/internal/redis"
	"github.com/openclaw/dm-responder-go/internal/repository"
	"github.com/openclaw/dm-responder-go/internal/service"
	"github.com/openclaw/dm-responder-go/internal/sse"
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
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	accountRepo := repository.NewAccountRepository(db.DB, cfg.EncryptionKey)
	messageRepo := repository.NewMessageRepository(db.DB)
	statusRepo := repository.NewBotStatusRepository(db.DB)

	ctx, cancel = context.WithTimeout(context.Background(), config.DBPingTimeout)
	if n, err := statusRepo.MarkAllStopped(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset stale bot status")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("reset bot status left over from previous run")
	}
	cancel()

	profile, err := config.LoadProfile(cfg.BotProfilePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load bot profile")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	registry := service.NewBotRegistry(service.BotRegistryConfig{
		Profile:            profile,
		StopTimeout:        cfg.BotStopTimeout(),
		VerificationLimit:  config.VerificationRequestLimit,
		VerificationWindow: config.VerificationRequestWindow,
	}, service.BotRegistryDeps{
		Accounts: accountRepo,
		Messages: messageRepo,
		Statuses: statusRepo,
		Files:    auth.NewFileStore(cfg.SessionDir),
		Clients: func(username string) platform.Client {
			return platform.NewGatewayClient(cfg.PlatformGatewayURL, username)
		},
		Leases:  service.NewRedisLeaser(redisClient.Client, config.BotLeaseTTL),
		Limiter: service.NewRateLimiter(redisClient.Client),
		Events:  broker,
	})

	authMiddleware := middleware.NewAuthMiddleware(cfg.APITokenHash)
	if !authMiddleware.Enabled() {
		log.Warn().Msg("API_TOKEN_HASH is empty: the bot API is unauthenticated")
	}
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(float64(cfg.APIRateLimitPerSec), cfg.APIRateLimitPerSec*2)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(config.MaxRequestBodySize)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	eventsHandler := handler.NewEventsHandler(broker, registry)
	botHandler := handler.NewBotHandler(registry, eventsHandler).WithTimeout(config.ServerRequestTimeout)
	healthHandler := handler.NewHealthHandler(registry, config.DBPingTimeout, map[string]handler.PingFunc{
		"database": db.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/bots", func(r chi.Router) {
		r.Use(rateLimitMiddleware.Handler)
		r.Use(authMiddleware.Handler)
		r.Mount("/", botHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(messageRepo, cfg.HistoryRetention(), config.HistoryCleanupInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

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

	registry.StopAll(shutdownCtx)

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
