package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	PlatformGatewayURL    string `env:"PLATFORM_GATEWAY_URL,required"`
	APITokenHash          string `env:"API_TOKEN_HASH"`
	EncryptionKey         string `env:"ENCRYPTION_KEY"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	SessionDir            string `env:"SESSION_DIR" envDefault:"sessions"`
	BotProfilePath        string `env:"BOT_PROFILE_PATH"`
	BotStopTimeoutSeconds int    `env:"BOT_STOP_TIMEOUT_SECONDS" envDefault:"5"`
	HistoryRetentionDays  int    `env:"HISTORY_RETENTION_DAYS" envDefault:"30"`
	APIRateLimitPerSec    int    `env:"API_RATE_LIMIT_PER_SEC" envDefault:"5"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) BotStopTimeout() time.Duration {
	return time.Duration(c.BotStopTimeoutSeconds) * time.Second
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

func (c *Config) Validate(isProduction bool) error {
	if c.APITokenHash != "" {
		if !strings.HasPrefix(c.APITokenHash, "$2a$") &&
			!strings.HasPrefix(c.APITokenHash, "$2b$") &&
			!strings.HasPrefix(c.APITokenHash, "$2y$") {
			return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash (generate with: dmctl token)")
		}
	}

	if u, err := url.Parse(c.PlatformGatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PLATFORM_GATEWAY_URL must be an absolute URL")
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
	}

	if c.BotStopTimeoutSeconds <= 0 {
		return fmt.Errorf("BOT_STOP_TIMEOUT_SECONDS must be positive")
	}
	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("HISTORY_RETENTION_DAYS must not be negative")
	}

	if isProduction {
		if c.APITokenHash == "" {
			return fmt.Errorf("API_TOKEN_HASH is required in production")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: account secrets and sessions will not be encrypted at rest")
		}
	}

	return nil
}

// Load reads .env files, which never override variables already set, then
// parses the environment.
func Load() (*Config, error) {
	loadEnvFiles()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// StoreConfig is the subset the operator CLI needs to reach the database.
type StoreConfig struct {
	DatabaseURL   string `env:"DATABASE_URL,required"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`
}

func LoadStore() (*StoreConfig, error) {
	loadEnvFiles()

	var cfg StoreConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.EncryptionKey != "" && len(cfg.EncryptionKey) != 64 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters")
	}
	return &cfg, nil
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("file", f).Msg("failed to load env file")
		}
	}
}
