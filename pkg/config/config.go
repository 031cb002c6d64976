// Package config loads server configuration from the environment, with an
// optional YAML profile overlay for non-secret settings.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	Env      string // "production" or anything else
	LogLevel string

	// Persistence. Empty means no relational binding; in production the
	// gateway surfaces that as missing_binding.
	DatabaseURL string

	// Untrusted compute backend for tool calls.
	BackendURL string

	// Bearer verification material. PublicKeyPEM (RS256 SPKI) wins over
	// SharedSecret (HS256) when both are set.
	AuthPublicKeyPEM string
	AuthSharedSecret string
	AuthIssuer       string
	AuthAudience     string
	DevAdminToken    string

	// HMAC key for signed artifact URLs.
	URLSigningSecret string
	// Public origin used when composing artifact URLs.
	PublicOrigin string

	// Model access.
	LLMAPIKey   string
	LLMBaseURL  string
	ChatModel   string
	EmbedModel  string

	// Optional external vector index.
	VectorIndexURL string
	VectorAPIKey   string

	// Optional Redis for cross-replica rate limiting.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Tracing.
	OTLPEndpoint string
}

// Load reads configuration from environment variables. A YAML profile named
// by AGENT_PROFILE is applied first, so explicit env vars always win.
func Load() *Config {
	cfg := &Config{
		Port:         "8787",
		Env:          "development",
		LogLevel:     "INFO",
		AuthAudience: "agent-worker",
		ChatModel:    "gpt-4o-mini",
		EmbedModel:   "text-embedding-3-small",
		LLMBaseURL:   "https://api.openai.com/v1",
	}

	if path := os.Getenv("AGENT_PROFILE"); path != "" {
		// Best effort; a broken profile must not take the service down.
		_ = applyProfile(cfg, path)
	}

	setenv := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setenv(&cfg.Port, "PORT")
	setenv(&cfg.Env, "AGENT_ENV")
	setenv(&cfg.LogLevel, "LOG_LEVEL")
	setenv(&cfg.DatabaseURL, "DATABASE_URL")
	setenv(&cfg.BackendURL, "BACKEND_URL")
	setenv(&cfg.AuthPublicKeyPEM, "AUTH_PUBLIC_KEY_PEM")
	setenv(&cfg.AuthSharedSecret, "AUTH_SHARED_SECRET")
	setenv(&cfg.AuthIssuer, "AUTH_ISSUER")
	setenv(&cfg.AuthAudience, "AUTH_AUDIENCE")
	setenv(&cfg.DevAdminToken, "DEV_ADMIN_TOKEN")
	setenv(&cfg.URLSigningSecret, "URL_SIGNING_SECRET")
	setenv(&cfg.PublicOrigin, "PUBLIC_ORIGIN")
	setenv(&cfg.LLMAPIKey, "LLM_API_KEY")
	setenv(&cfg.LLMBaseURL, "LLM_BASE_URL")
	setenv(&cfg.ChatModel, "CHAT_MODEL")
	setenv(&cfg.EmbedModel, "EMBED_MODEL")
	setenv(&cfg.VectorIndexURL, "VECTOR_INDEX_URL")
	setenv(&cfg.VectorAPIKey, "VECTOR_API_KEY")
	setenv(&cfg.RedisAddr, "REDIS_ADDR")
	setenv(&cfg.RedisPassword, "REDIS_PASSWORD")
	setenv(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")

	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}

	return cfg
}

// IsProduction reports whether the service runs with production guarantees.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
