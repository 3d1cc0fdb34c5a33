// Package server provides configuration helpers that define runtime defaults,
// validation, admission, and rate-limiting parameters for the GoChat service.
package server

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string   `env:"SERVER_PORT"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE"`
	JWTSecret      string   `env:"JWT_SECRET"`
	RateLimit      RateLimitConfig
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	activeVerifier  TokenVerifier
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		// Read limit covers the largest legal message text plus envelope overhead.
		MaxMessageSize: 4096,
		JWTSecret:      "gochat-dev-secret",
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "gochat-dev-secret"
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	activeVerifier = NewJWTVerifier(cfg.JWTSecret)
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		JWTSecret:      cfg.JWTSecret,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
	}
	sanitizeConfig(sanitized)
}

// SetTokenVerifier overrides the credential verifier used at connection
// admission. SetConfig resets it to the built-in JWT verifier derived from
// the configured secret.
func SetTokenVerifier(v TokenVerifier) {
	configMu.Lock()
	defer configMu.Unlock()
	activeVerifier = v
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func currentVerifier() TokenVerifier {
	configMu.RLock()
	defer configMu.RUnlock()
	return activeVerifier
}

// GetConfig returns a copy of the currently applied configuration.
func GetConfig() *Config {
	cfg := currentConfig()
	return &cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Unset variables keep their default values. ALLOWED_ORIGINS is a
// comma-separated list; RATE_LIMIT_REFILL_INTERVAL takes a Go duration
// string such as "1s".
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	if err := env.Parse(&cfg); err != nil {
		log.Printf("Error parsing environment configuration, keeping defaults: %v", err)
	}
	return &cfg
}
