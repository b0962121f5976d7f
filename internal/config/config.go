/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the verification-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`
	ProofQueue     string `mapstructure:"PROOF_EVENT_QUEUE"`

	CEPAPIBaseURL   string `mapstructure:"CEP_API_BASE_URL"`
	CEPAPIKey       string `mapstructure:"CEP_API_KEY"`
	ImageAPIBaseURL string `mapstructure:"IMAGE_API_BASE_URL"`
	ImageAPIKey     string `mapstructure:"IMAGE_API_KEY"`
	OCRAPIBaseURL   string `mapstructure:"OCR_API_BASE_URL"`
	OCRAPIKey       string `mapstructure:"OCR_API_KEY"`

	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	ReviewJWKSURL  string `mapstructure:"REVIEW_JWKS_URL"`

	AmountToleranceMXN      string  `mapstructure:"AMOUNT_TOLERANCE_MXN"`
	MaxAttempts             int     `mapstructure:"MAX_ATTEMPTS"`
	DeadlineMinutes         int     `mapstructure:"VALIDATION_DEADLINE_MINUTES"`
	RetryBaseDelaySeconds   int     `mapstructure:"RETRY_BASE_DELAY_SECONDS"`
	RetryMaxDelaySeconds    int     `mapstructure:"RETRY_MAX_DELAY_SECONDS"`
	RetryJitterFraction     float64 `mapstructure:"RETRY_JITTER_FRACTION"`
	FetchMaxAttempts        int     `mapstructure:"FETCH_MAX_ATTEMPTS"`
	FetchRetryDelaySeconds  int     `mapstructure:"FETCH_RETRY_DELAY_SECONDS"`
	WorkerCount             int     `mapstructure:"WORKER_COUNT"`
	AuthorityMaxConcurrent  int     `mapstructure:"AUTHORITY_MAX_CONCURRENT"`
	LeaseSeconds            int     `mapstructure:"LEASE_SECONDS"`
	DispatchIntervalSeconds int     `mapstructure:"DISPATCH_INTERVAL_SECONDS"`
	ArchiveAfterDays        int     `mapstructure:"ARCHIVE_AFTER_DAYS"`
	MinOCRConfidence        float64 `mapstructure:"MIN_OCR_CONFIDENCE"`
	DeadlineSweepSchedule   string  `mapstructure:"DEADLINE_SWEEP_SCHEDULE"`
	ArchiveSchedule         string  `mapstructure:"ARCHIVE_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given
// path. It uses Viper to automatically bind environment variables to the
// Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("REDIS_KEY_PREFIX", "pesoswap:verification")
	viper.SetDefault("EVENTS_EXCHANGE", "escrow.events")
	viper.SetDefault("PROOF_EVENT_QUEUE", "verification_service.payment_proofs")
	viper.SetDefault("AMOUNT_TOLERANCE_MXN", "0.01")
	viper.SetDefault("MAX_ATTEMPTS", 10)
	viper.SetDefault("VALIDATION_DEADLINE_MINUTES", 120)
	viper.SetDefault("RETRY_BASE_DELAY_SECONDS", 15)
	viper.SetDefault("RETRY_MAX_DELAY_SECONDS", 300)
	viper.SetDefault("RETRY_JITTER_FRACTION", 0.2)
	viper.SetDefault("FETCH_MAX_ATTEMPTS", 3)
	viper.SetDefault("FETCH_RETRY_DELAY_SECONDS", 10)
	viper.SetDefault("WORKER_COUNT", 8)
	viper.SetDefault("AUTHORITY_MAX_CONCURRENT", 4)
	viper.SetDefault("LEASE_SECONDS", 120)
	viper.SetDefault("DISPATCH_INTERVAL_SECONDS", 5)
	viper.SetDefault("ARCHIVE_AFTER_DAYS", 90)
	viper.SetDefault("MIN_OCR_CONFIDENCE", 0.0)
	viper.SetDefault("DEADLINE_SWEEP_SCHEDULE", "* * * * *")
	viper.SetDefault("ARCHIVE_SCHEDULE", "30 3 * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROOF_EVENT_QUEUE")
	_ = viper.BindEnv("CEP_API_BASE_URL")
	_ = viper.BindEnv("CEP_API_KEY")
	_ = viper.BindEnv("IMAGE_API_BASE_URL")
	_ = viper.BindEnv("IMAGE_API_KEY")
	_ = viper.BindEnv("OCR_API_BASE_URL")
	_ = viper.BindEnv("OCR_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "VERIFICATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REVIEW_JWKS_URL")
	_ = viper.BindEnv("AMOUNT_TOLERANCE_MXN")
	_ = viper.BindEnv("MAX_ATTEMPTS")
	_ = viper.BindEnv("VALIDATION_DEADLINE_MINUTES")
	_ = viper.BindEnv("RETRY_BASE_DELAY_SECONDS")
	_ = viper.BindEnv("RETRY_MAX_DELAY_SECONDS")
	_ = viper.BindEnv("RETRY_JITTER_FRACTION")
	_ = viper.BindEnv("FETCH_MAX_ATTEMPTS")
	_ = viper.BindEnv("FETCH_RETRY_DELAY_SECONDS")
	_ = viper.BindEnv("WORKER_COUNT")
	_ = viper.BindEnv("AUTHORITY_MAX_CONCURRENT")
	_ = viper.BindEnv("LEASE_SECONDS")
	_ = viper.BindEnv("DISPATCH_INTERVAL_SECONDS")
	_ = viper.BindEnv("ARCHIVE_AFTER_DAYS")
	_ = viper.BindEnv("MIN_OCR_CONFIDENCE")
	_ = viper.BindEnv("DEADLINE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ARCHIVE_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "pesoswap:verification"
	}

	if _, parseErr := decimal.NewFromString(strings.TrimSpace(config.AmountToleranceMXN)); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid AMOUNT_TOLERANCE_MXN; using default\" value=%q err=%v", config.AmountToleranceMXN, parseErr)
		config.AmountToleranceMXN = "0.01"
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.DeadlineMinutes <= 0 {
		config.DeadlineMinutes = 120
	}
	if config.RetryBaseDelaySeconds <= 0 {
		config.RetryBaseDelaySeconds = 15
	}
	if config.RetryMaxDelaySeconds < config.RetryBaseDelaySeconds {
		log.Printf("level=warn component=config msg=\"retry max delay below base; raising to base\" base=%d max=%d", config.RetryBaseDelaySeconds, config.RetryMaxDelaySeconds)
		config.RetryMaxDelaySeconds = config.RetryBaseDelaySeconds
	}
	if config.RetryJitterFraction < 0 || config.RetryJitterFraction >= 1 {
		config.RetryJitterFraction = 0.2
	}
	if config.FetchMaxAttempts <= 0 {
		config.FetchMaxAttempts = 3
	}
	if config.FetchRetryDelaySeconds <= 0 {
		config.FetchRetryDelaySeconds = 10
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 8
	}
	if config.AuthorityMaxConcurrent <= 0 {
		config.AuthorityMaxConcurrent = 4
	}
	if config.AuthorityMaxConcurrent > config.WorkerCount {
		config.AuthorityMaxConcurrent = config.WorkerCount
	}
	if config.LeaseSeconds <= 0 {
		config.LeaseSeconds = 120
	}
	if config.DispatchIntervalSeconds <= 0 {
		config.DispatchIntervalSeconds = 5
	}
	if config.ArchiveAfterDays <= 0 {
		config.ArchiveAfterDays = 90
	}
	if config.MinOCRConfidence < 0 || config.MinOCRConfidence > 1 {
		log.Printf("level=warn component=config msg=\"MIN_OCR_CONFIDENCE out of range; coercing to zero\" value=%f", config.MinOCRConfidence)
		config.MinOCRConfidence = 0
	}

	return
}

// AmountTolerance returns the configured epsilon as a decimal. LoadConfig
// guarantees the stored string parses.
func (c Config) AmountTolerance() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(c.AmountToleranceMXN))
	if err != nil {
		return decimal.RequireFromString("0.01")
	}
	return d
}

// Deadline returns the validation window as a duration.
func (c Config) Deadline() time.Duration {
	return time.Duration(c.DeadlineMinutes) * time.Minute
}

// Validate checks the settings that have no usable defaults.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL must be configured")
	}
	if strings.TrimSpace(c.CEPAPIBaseURL) == "" {
		return fmt.Errorf("CEP_API_BASE_URL must be configured")
	}
	if strings.TrimSpace(c.InternalAPIKey) == "" {
		return fmt.Errorf("INTERNAL_API_KEY must be configured")
	}
	return nil
}
