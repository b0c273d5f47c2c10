// Package appconfig loads the orchestration core's process configuration
// from the environment. Every reference value from the scheduling and
// retry design is overridable here; defaults preserve those references.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/promohub/scraper-engine/pkg/db/models"
)

// Config is the full configuration surface consumed by the core.
type Config struct {
	// Concurrency and admission control
	ScrapeConcurrency int
	DueBatchSize      int
	PendingLimit      int

	// Cadences
	PendingInterval      time.Duration
	DueConfigsInterval   time.Duration
	ReaperInterval       time.Duration
	CounterResetInterval time.Duration
	StalenessThreshold   time.Duration

	// Fetcher tuning
	FetchMaxAttempts int
	FetchBaseDelay   time.Duration
	FetchTimeout     time.Duration

	// Per-marketplace fallback affiliate identifiers
	AffiliateFallbacks map[models.Marketplace]string
}

// Load reads configuration from the environment. A .env file is loaded
// when present but is optional.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	concurrency, _ := strconv.Atoi(getEnvOrDefault("SCRAPE_CONCURRENCY", "10"))
	batchSize, _ := strconv.Atoi(getEnvOrDefault("DUE_BATCH_SIZE", "3"))
	pendingLimit, _ := strconv.Atoi(getEnvOrDefault("PENDING_LIMIT", "20"))
	maxAttempts, _ := strconv.Atoi(getEnvOrDefault("FETCH_MAX_ATTEMPTS", "3"))

	config := &Config{
		ScrapeConcurrency: concurrency,
		DueBatchSize:      batchSize,
		PendingLimit:      pendingLimit,

		PendingInterval:      getEnvDuration("PENDING_INTERVAL", time.Minute),
		DueConfigsInterval:   getEnvDuration("DUE_CONFIGS_INTERVAL", 15*time.Minute),
		ReaperInterval:       getEnvDuration("REAPER_INTERVAL", 10*time.Minute),
		CounterResetInterval: getEnvDuration("COUNTER_RESET_INTERVAL", time.Hour),
		StalenessThreshold:   getEnvDuration("STALENESS_THRESHOLD", 30*time.Minute),

		FetchMaxAttempts: maxAttempts,
		FetchBaseDelay:   getEnvDuration("FETCH_BASE_DELAY", time.Second),
		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", 10*time.Second),

		AffiliateFallbacks: map[models.Marketplace]string{
			models.MarketplaceMercadoLivre: os.Getenv("MERCADOLIVRE_AFFILIATE_ID"),
			models.MarketplaceShopee:       os.Getenv("SHOPEE_AFFILIATE_ID"),
			models.MarketplaceAmazon:       os.Getenv("AMAZON_ASSOCIATE_TAG"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values that would disable the core outright.
func (c *Config) Validate() error {
	if c.ScrapeConcurrency <= 0 {
		return fmt.Errorf("SCRAPE_CONCURRENCY must be positive")
	}
	if c.DueBatchSize <= 0 {
		return fmt.Errorf("DUE_BATCH_SIZE must be positive")
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("STALENESS_THRESHOLD must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// NewLogger builds the process logger with LOG_LEVEL handling.
func NewLogger() *logrus.Logger {
	log := logrus.New()

	logLevel := os.Getenv("LOG_LEVEL")
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		if logLevel != "" {
			log.WithFields(logrus.Fields{
				"attempted_level": logLevel,
				"default_level":   "INFO",
			}).Warn("Invalid log level specified, defaulting to INFO")
		}
	}
	return log
}
