package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const PresenceJobInterval = time.Minute

// Rate limiting windows
const (
	PairAttemptWindow = time.Minute
	DeviceCheckWindow = time.Minute
	APIRequestWindow  = time.Minute
)

// Webhook requests from Stripe are small; anything larger is rejected.
const MaxWebhookBodySize = 64 << 10
