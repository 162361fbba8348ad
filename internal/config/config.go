/**
 * @description
 * This package handles the configuration management for the withdrawal-service.
 * Values come from environment variables with an optional .env file, read through
 * Viper and normalized into a Config.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/rs/zerolog: Structured logging for configuration warnings.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix   = "withdrawals:rate_limit"
	defaultClaimTTLSeconds   = 300
	defaultAutoPayoutBatch   = 25
	defaultRequestsPerMinute = 10
)

// Config holds all the configuration variables for the withdrawal-service.
type Config struct {
	Env                         string `mapstructure:"ENV"`
	LogLevel                    string `mapstructure:"LOG_LEVEL"`
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	DatabaseMigrate             bool   `mapstructure:"DATABASE_MIGRATE"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	WithdrawalRequestsPerMinute int    `mapstructure:"WITHDRAWAL_REQUEST_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	EventsExchange              string `mapstructure:"EVENTS_EXCHANGE"`
	SettlementExchange          string `mapstructure:"SETTLEMENT_EXCHANGE"`
	SettlementQueue             string `mapstructure:"SETTLEMENT_QUEUE"`
	GatewayBaseURL              string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey               string `mapstructure:"GATEWAY_API_KEY"`
	JWTSecret                   string `mapstructure:"JWT_SECRET"`
	JWTIssuer                   string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins          string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	WeeklyPayoutLimit           int    `mapstructure:"WITHDRAWAL_WEEKLY_PAYOUT_LIMIT"`
	WeekStartRaw                string `mapstructure:"WITHDRAWAL_WEEK_START"`
	PayoutClaimTTLSeconds       int    `mapstructure:"PAYOUT_CLAIM_TTL_SECONDS"`
	AutoPayoutSchedule          string `mapstructure:"AUTO_PAYOUT_SCHEDULE"`
	AutoPayoutBatchSize         int    `mapstructure:"AUTO_PAYOUT_BATCH_SIZE"`

	WeekStart time.Weekday `mapstructure:"-"`
}

// PayoutClaimTTL returns the claim expiry as a duration.
func (c Config) PayoutClaimTTL() time.Duration {
	return time.Duration(c.PayoutClaimTTLSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path. It fails when a required value is missing or invalid.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_MIGRATE", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("WITHDRAWAL_REQUEST_RATE_LIMIT_PER_MINUTE", defaultRequestsPerMinute)
	viper.SetDefault("EVENTS_EXCHANGE", "fundraising.withdrawals")
	viper.SetDefault("SETTLEMENT_EXCHANGE", "payout_events")
	viper.SetDefault("SETTLEMENT_QUEUE", "withdrawal_service.payout_settlements")
	viper.SetDefault("WITHDRAWAL_WEEK_START", "monday")
	viper.SetDefault("PAYOUT_CLAIM_TTL_SECONDS", defaultClaimTTLSeconds)
	viper.SetDefault("AUTO_PAYOUT_BATCH_SIZE", defaultAutoPayoutBatch)

	// Bind explicitly so keys without a default still reach Unmarshal.
	for _, key := range []string{
		"ENV", "LOG_LEVEL", "SERVER_PORT", "PORT", "DATABASE_URL", "DATABASE_MIGRATE",
		"REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "WITHDRAWAL_REQUEST_RATE_LIMIT_PER_MINUTE",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "SETTLEMENT_EXCHANGE", "SETTLEMENT_QUEUE",
		"GATEWAY_BASE_URL", "GATEWAY_API_KEY", "JWT_SECRET", "JWT_ISSUER", "CORS_ALLOWED_ORIGINS",
		"WITHDRAWAL_WEEKLY_PAYOUT_LIMIT", "WITHDRAWAL_WEEK_START", "PAYOUT_CLAIM_TTL_SECONDS",
		"AUTO_PAYOUT_SCHEDULE", "AUTO_PAYOUT_BATCH_SIZE",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Str("component", "config").Msg("failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.Env = strings.ToLower(strings.TrimSpace(config.Env))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.AutoPayoutSchedule = strings.TrimSpace(config.AutoPayoutSchedule)

	if config.WithdrawalRequestsPerMinute <= 0 {
		config.WithdrawalRequestsPerMinute = defaultRequestsPerMinute
	}
	if config.PayoutClaimTTLSeconds <= 0 {
		log.Warn().Int("value", config.PayoutClaimTTLSeconds).Str("component", "config").Msg("invalid payout claim ttl; using default")
		config.PayoutClaimTTLSeconds = defaultClaimTTLSeconds
	}
	if config.AutoPayoutBatchSize <= 0 {
		config.AutoPayoutBatchSize = defaultAutoPayoutBatch
	}

	if config.WeeklyPayoutLimit <= 0 {
		return config, fmt.Errorf("WITHDRAWAL_WEEKLY_PAYOUT_LIMIT must be a positive integer, got %d", config.WeeklyPayoutLimit)
	}
	if config.WeekStart, err = ParseWeekday(config.WeekStartRaw); err != nil {
		return config, err
	}
	if strings.TrimSpace(config.JWTSecret) == "" {
		return config, fmt.Errorf("JWT_SECRET is required")
	}
	return config, nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(raw string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return time.Monday, nil
	}
	for full, day := range weekdays {
		if name == full || name == full[:3] {
			return day, nil
		}
	}
	return time.Monday, fmt.Errorf("WITHDRAWAL_WEEK_START %q is not a weekday", raw)
}
