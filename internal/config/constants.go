package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts. Write timeout stays unset so SSE streams survive.
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const HistoryCleanupInterval = time.Hour

// Verification code requests per account
const (
	VerificationRequestLimit  = 3
	VerificationRequestWindow = 5 * time.Minute
)

// Cross-process run lease
const BotLeaseTTL = 30 * time.Second

// Status writes issued from bot callbacks
const StatusWriteTimeout = 5 * time.Second

// API request body limit
const MaxRequestBodySize = 64 << 10
