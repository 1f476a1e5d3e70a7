package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the collaboration core.
type Config struct {
	App      AppConfig
	Channel  ChannelConfig
	API      APIConfig
	Presence PresenceConfig
	Sync     SyncConfig
	Logger   LoggerConfig
	Auth     AuthConfig
}

// AppConfig identifies the running client.
type AppConfig struct {
	Name    string `validate:"required"`
	Env     string
	Version string
}

// ChannelConfig controls the persistent channel connection.
type ChannelConfig struct {
	URL                   string `validate:"required,uri"`
	ReconnectDelaySeconds int    `validate:"gte=1"`
	HandshakeTimeoutSec   int    `validate:"gte=1"`
	WriteTimeoutSec       int    `validate:"gte=1"`
}

// APIConfig points at the collaborator REST surface.
type APIConfig struct {
	BaseURL           string `validate:"required,url"`
	RequestTimeoutSec int    `validate:"gte=1"`
}

// PresenceConfig tunes typing signal behavior.
type PresenceConfig struct {
	ThrottleSeconds int `validate:"gte=1"`
	ExpirySeconds   int `validate:"gte=1"`
}

// SyncConfig tunes message/attachment reconciliation.
type SyncConfig struct {
	AttachmentTTLSeconds int `validate:"gte=1"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines channel handshake parameters.
type AuthConfig struct {
	Token     string
	JWTSecret string
	TTLMin    int
}

// Load reads configuration from environment variables, applying
// defaults where possible, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "ticket-collab"),
			Env:     getEnv("APP_ENV", "development"),
			Version: getEnv("APP_VERSION", "dev"),
		},
		Channel: ChannelConfig{
			URL:                   getEnv("CHANNEL_URL", "ws://127.0.0.1:8081/channel"),
			ReconnectDelaySeconds: getEnvAsInt("CHANNEL_RECONNECT_DELAY_SECONDS", 3),
			HandshakeTimeoutSec:   getEnvAsInt("CHANNEL_HANDSHAKE_TIMEOUT_SECONDS", 10),
			WriteTimeoutSec:       getEnvAsInt("CHANNEL_WRITE_TIMEOUT_SECONDS", 10),
		},
		API: APIConfig{
			BaseURL:           getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
			RequestTimeoutSec: getEnvAsInt("API_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Presence: PresenceConfig{
			ThrottleSeconds: getEnvAsInt("TYPING_THROTTLE_SECONDS", 2),
			ExpirySeconds:   getEnvAsInt("TYPING_EXPIRY_SECONDS", 4),
		},
		Sync: SyncConfig{
			AttachmentTTLSeconds: getEnvAsInt("ATTACHMENT_TTL_SECONDS", 30),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			Token:     os.Getenv("AUTH_TOKEN"),
			JWTSecret: getEnv("AUTH_JWT_SECRET", "dev-secret"),
			TTLMin:    getEnvAsInt("AUTH_TOKEN_TTL_MINUTES", 60),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (c ChannelConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// HandshakeTimeout returns the auth handshake deadline.
func (c ChannelConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// WriteTimeout returns the per-frame write deadline.
func (c ChannelConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSec) * time.Second
}

// RequestTimeout returns the REST request timeout duration.
func (a APIConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSec) * time.Second
}

// Throttle returns the minimum interval between typing=true signals.
func (p PresenceConfig) Throttle() time.Duration {
	return time.Duration(p.ThrottleSeconds) * time.Second
}

// Expiry returns how long an inbound indicator stays visible.
func (p PresenceConfig) Expiry() time.Duration {
	return time.Duration(p.ExpirySeconds) * time.Second
}

// AttachmentTTL returns how long unmatched attachments are buffered.
func (s SyncConfig) AttachmentTTL() time.Duration {
	return time.Duration(s.AttachmentTTLSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}
