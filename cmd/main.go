/**
 * @description
 * This is the main entry point for the withdrawal-service. It loads configuration,
 * applies database migrations, connects to Postgres, Redis and RabbitMQ, builds the
 * withdrawal workflow, and serves the HTTP API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate limiting store.
 * - github.com/joho/godotenv: Loads a local .env file into the environment.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient, pkg/rabbitmq: Payment gateway and message broker clients.
 */

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

	"github.com/fundra/withdrawal-service/internal/api"
	"github.com/fundra/withdrawal-service/internal/app"
	"github.com/fundra/withdrawal-service/internal/config"
	"github.com/fundra/withdrawal-service/internal/logging"
	"github.com/fundra/withdrawal-service/internal/store"
	"github.com/fundra/withdrawal-service/pkg/gatewayclient"
	rmrabbit "github.com/fundra/withdrawal-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootLogger := logging.New(os.Stderr, "", "info")
		bootLogger.Fatal().Err(err).Str("component", "bootstrap").Msg("config load failed")
	}

	ctx, logger := logging.Setup(cfg.Env, cfg.LogLevel)
	boot := logger.With().Str("component", "bootstrap").Logger()
	boot.Info().Str("port", cfg.ServerPort).Msg("starting withdrawal-service")

	if cfg.DatabaseMigrate {
		version, err := store.Migrate(cfg.DatabaseURL)
		if err != nil {
			boot.Fatal().Err(err).Msg("database migration failed")
		}
		boot.Info().Uint("version", version).Msg("database schema up to date")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		boot.Fatal().Err(err).Msg("database url parse failed")
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		boot.Fatal().Err(err).Msg("database connection failed")
	}
	defer dbpool.Close()
	boot.Info().Msg("database connected")

	repository := store.NewPostgresRepository(dbpool)
	ledger := store.NewPostgresLedger(dbpool)

	balance, err := app.NewBalanceCalculator(ledger, cfg.WeeklyPayoutLimit, cfg.WeekStart)
	if err != nil {
		boot.Fatal().Err(err).Msg("balance calculator init failed")
	}

	gateway := gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	payouts := app.NewPayoutOrchestrator(repository, gateway, cfg.PayoutClaimTTL())

	publisher := newPublisher(cfg, *logger)
	defer publisher.Close()

	service := app.NewService(repository, ledger, balance, payouts, publisher, cfg.EventsExchange)

	if redisClient := newRedisClient(ctx, cfg, boot); redisClient != nil {
		defer redisClient.Close()
		service.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix), cfg.WithdrawalRequestsPerMinute)
	}

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, 10, *logger)
	if err != nil {
		boot.Warn().Err(err).Msg("rabbitmq consumer unavailable; settlement events will not be applied")
	} else {
		defer rabbitConsumer.Close()
		settlements := service.SettlementConsumer()
		bindings := map[string]rmrabbit.Handler{
			"payout.status.successful": settlements.HandleMessage,
			"payout.status.failed":     settlements.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.SettlementExchange, cfg.SettlementQueue, bindings); err != nil {
			boot.Fatal().Err(err).Msg("settlement consumer start failed")
		}
		boot.Info().Str("queue", cfg.SettlementQueue).Msg("settlement consumer started")
	}

	if cfg.AutoPayoutSchedule != "" {
		sweeperLogger := logger.With().Str("component", "payout_sweeper").Logger()
		sweeper := app.NewPayoutSweeper(service, cfg.AutoPayoutSchedule, cfg.AutoPayoutBatchSize, &sweeperLogger)
		if err := sweeper.Start(); err != nil {
			boot.Fatal().Err(err).Str("schedule", cfg.AutoPayoutSchedule).Msg("invalid auto payout schedule")
		}
		defer func() { <-sweeper.Stop().Done() }()
	}

	router := api.WithdrawalRoutes(api.NewWithdrawalHandlers(service), api.RouterConfig{
		JWTSecret:      []byte(cfg.JWTSecret),
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         *logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("component", "http").Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Str("component", "http").Msg("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Str("component", "http").Msg("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("component", "http").Msg("shutdown failed")
	}
	logger.Info().Str("component", "http").Msg("shutdown complete")
}

// newPublisher connects the lifecycle event producer, falling back to a
// logging no-op when the broker is unreachable.
func newPublisher(cfg config.Config, logger zerolog.Logger) rmrabbit.Publisher {
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn().Err(err).Str("component", "bootstrap").Msg("rabbitmq producer unavailable; using fallback")
		return &rmrabbit.FallbackPublisher{Logger: logger}
	}
	logger.Info().Str("component", "bootstrap").Msg("rabbitmq producer connected")
	return producer
}

// newRedisClient returns nil when Redis is not configured or unreachable, which
// disables the request rate limit.
func newRedisClient(ctx context.Context, cfg config.Config, boot zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		boot.Warn().Msg("redis url missing; withdrawal request rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		boot.Warn().Err(err).Msg("redis url parse failed; withdrawal request rate limiting disabled")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		boot.Warn().Err(err).Msg("redis ping failed; withdrawal request rate limiting disabled")
		client.Close()
		return nil
	}
	boot.Info().Msg("redis connected")
	return client
}
