// Package config loads process-wide gateway configuration from the
// environment. The resulting Config is built once at startup and never
// mutated afterwards.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all gateway configuration.
type Config struct {
	// Default identity applied when a request omits tenantId/userId.
	DefaultTenantID string
	DefaultUserID   string

	// DevMode enables auto-registration of unknown tenants and the demo
	// tenant. Never enable in production.
	DevMode bool

	// AutoRegister allows unknown tenants to be materialized with admin
	// rights on first contact.
	AutoRegister bool

	// Region is forwarded opaquely to the storage backend.
	Region string

	// Redis backend wiring. Empty address selects the in-memory backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Logging settings.
	LogLevel  string
	LogFormat string
}

// Load reads configuration from .env (if present) and the process
// environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := Config{
		DefaultTenantID: os.Getenv("DEFAULT_TENANT_ID"),
		DefaultUserID:   os.Getenv("DEFAULT_USER_ID"),
		DevMode:         envBool("DEV_MODE"),
		Region:          envOr("MCP_GATEWAY_REGION", "us-west-2"),
		RedisAddr:       os.Getenv("MCP_GATEWAY_REDIS_ADDR"),
		RedisPassword:   os.Getenv("MCP_GATEWAY_REDIS_PASSWORD"),
		RedisDB:         envInt("MCP_GATEWAY_REDIS_DB"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "auto"),
	}

	// The presence of a default tenant id has always implied a development
	// setup; keep treating it as an auto-register grant.
	cfg.AutoRegister = cfg.DevMode || cfg.DefaultTenantID != ""

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}
