package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	RunMigrations bool `env:"RUN_MIGRATIONS" envDefault:"true"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaEntitlements string   `env:"KAFKA_ENTITLEMENTS_TOPIC" envDefault:"entitlements"`

	MediaPublicBaseURL string `env:"MEDIA_PUBLIC_BASE_URL"`
	S3Bucket           string `env:"S3_BUCKET"`
	S3Region           string `env:"S3_REGION" envDefault:"auto"`
	S3Endpoint         string `env:"S3_ENDPOINT"`
	S3AccessKey        string `env:"S3_ACCESS_KEY"`
	S3SecretKey        string `env:"S3_SECRET_KEY"`
	MediaURLTTLSeconds int    `env:"MEDIA_URL_TTL_SECONDS" envDefault:"3600"`

	PairAttemptsPerMin   int `env:"PAIR_ATTEMPTS_PER_MINUTE" envDefault:"10"`
	DeviceCheckPerMin    int `env:"DEVICE_CHECK_PER_MINUTE" envDefault:"30"`
	APIRequestsPerMin    int `env:"API_REQUESTS_PER_MINUTE" envDefault:"120"`
	PresenceStaleSeconds int `env:"PRESENCE_STALE_SECONDS" envDefault:"180"`

	AllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
}

func (c *Config) MediaURLTTL() time.Duration {
	return time.Duration(c.MediaURLTTLSeconds) * time.Second
}

func (c *Config) PresenceStaleAfter() time.Duration {
	return time.Duration(c.PresenceStaleSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// UsesS3 reports whether media URIs should be presigned against a bucket
// rather than joined onto a public base URL.
func (c *Config) UsesS3() bool {
	return c.S3Bucket != ""
}

func (c *Config) Validate(isProduction bool) error {
	if c.StripeWebhookSecret != "" && !strings.HasPrefix(c.StripeWebhookSecret, "whsec_") {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET must be a Stripe signing secret (whsec_...)")
	}
	if c.UsesS3() && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_BUCKET is set")
	}
	if !c.UsesS3() && c.MediaPublicBaseURL == "" {
		return fmt.Errorf("either S3_BUCKET or MEDIA_PUBLIC_BASE_URL must be set")
	}
	if c.PairAttemptsPerMin <= 0 {
		return fmt.Errorf("PAIR_ATTEMPTS_PER_MINUTE must be positive")
	}

	if isProduction {
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.StripeSecretKey == "" {
			log.Warn().Msg("STRIPE_SECRET_KEY is empty in production: checkout invoices cannot be fetched")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("WS_ALLOWED_ORIGINS is empty in production: websocket origin check disabled")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
