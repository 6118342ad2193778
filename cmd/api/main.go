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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"

	_ "github.com/fkhayef/questarena/docs"
	"github.com/fkhayef/questarena/internal/bot"
	"github.com/fkhayef/questarena/internal/config"
	"github.com/fkhayef/questarena/internal/database"
	"github.com/fkhayef/questarena/internal/matchmaking"
	"github.com/fkhayef/questarena/internal/matchmaking/pairing"
	"github.com/fkhayef/questarena/internal/notification"
	"github.com/fkhayef/questarena/internal/queue"
	"github.com/fkhayef/questarena/internal/team"
	"github.com/fkhayef/questarena/internal/telemetry"
	mw "github.com/fkhayef/questarena/pkg/middleware"
)

const shutdownTimeout = 15 * time.Second

// @title        QuestArena Matchmaking API
// @version      1.0
// @description  Bot matches, human queues and team formation for quiz battles.
// @BasePath     /api/v1
// @securityDefinitions.apikey BearerAuth
// @in           header
// @name         Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file
	envErr := godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if envErr != nil {
		logger.Debug().Msg("no .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	// Initialize database connection
	db, err := database.Open(ctx, database.Options{
		Driver:      cfg.DatabaseDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("connected to database")

	relay, err := newRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer relay.Close()

	// Pairing Strategy Factory (Factory Pattern)
	strategy, err := pairing.NewStrategyFactory().CreateFromString(cfg.Matchmaking.PairingStrategy)
	if err != nil {
		return fmt.Errorf("failed to create pairing strategy: %w", err)
	}

	// Queue feature
	queueService := queue.NewService(db, queue.NewRepository(db), relay, logger)
	defer queueService.Close()

	// Team feature
	teamService := team.NewService(db, team.NewRepository(db), logger)
	teamHandler := team.NewHandler(teamService)

	// Bot feature
	bots := bot.NewProvider(bot.NewRepository(db), bot.NewRand(cfg.Matchmaking.BotSeed), logger)
	if _, err := bots.EnsureRoster(ctx, cfg.Matchmaking.BotHandles); err != nil {
		return fmt.Errorf("failed to seed bot roster: %w", err)
	}
	botHandler := bot.NewHandler(bots)

	// Matchmaking feature (with pairing strategy injected)
	matchService := matchmaking.NewService(db, queueService, teamService, bots, relay, strategy, matchmaking.Options{
		DefaultWaitTimeout: cfg.Matchmaking.DefaultWaitTimeout,
		MaxWaitTimeout:     cfg.Matchmaking.MaxWaitTimeout,
		MaxSquadSize:       cfg.Matchmaking.MaxSquadSize,
		PollInterval:       cfg.Matchmaking.PollInterval,
	}, logger)
	matchHandler := matchmaking.NewHandler(matchService)
	sweeper := matchmaking.NewSweeper(matchService, cfg.Matchmaking.SweepInterval, logger)

	// Notification feature
	notificationHandler := notification.NewHandler(relay, matchService.WatchGuard(), logger)

	auth := mw.TestUserMiddleware
	if cfg.JWTSecret != "" {
		auth = mw.NewAuthenticator(cfg.JWTSecret).Middleware
	} else {
		logger.Warn().Msg("JWT_SECRET not set, trusting X-Test-User-ID header")
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Test-User-ID"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)

		// Mount feature routers
		r.Mount("/matches", matchHandler.Routes())
		r.Mount("/teams", teamHandler.Routes())
		r.Mount("/bots", botHandler.Routes())
		r.Mount("/notifications", notificationHandler.Routes())
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newRelay picks Redis pub/sub when REDIS_URL is set, the in-process relay otherwise,
// and tees lifecycle events to Kafka when brokers are configured
func newRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (notification.Relay, error) {
	var relay notification.Relay
	if cfg.RedisURL != "" {
		redisRelay, err := notification.DialRedisRelay(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		relay = redisRelay
		logger.Info().Msg("using redis notification relay")
	} else {
		relay = notification.NewMemoryRelay()
		logger.Info().Msg("using in-process notification relay")
	}

	if cfg.HasKafka() {
		relay = notification.Tee(relay, notification.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("streaming match events to kafka")
	}
	return relay, nil
}
