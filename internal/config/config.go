// Package config provides configuration loading for the telemetry
// platform. Sources in priority order: env vars > config file > defaults.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all process configuration.
type Config struct {
	// Listen address for the HTTP/WebSocket server (default ":8080").
	ListenAddr string `json:"listen_addr"`

	// DatabaseURL selects the storage backend. postgres:// and mysql://
	// DSNs use the matching driver; anything else is treated as a SQLite
	// file path under no scheme.
	DatabaseURL string `json:"database_url"`

	// RedisURL enables the Redis progress bus. Empty runs the in-memory
	// bus (single-node deployments and tests).
	RedisURL string `json:"redis_url,omitempty"`

	// SealKey is the hex-encoded 32-byte key used to seal source
	// credentials at rest. Required when sources are configured.
	SealKey string `json:"seal_key,omitempty"`

	// TenantDomainSuffix is appended to tenant slugs for portal hosts.
	TenantDomainSuffix string `json:"tenant_domain_suffix,omitempty"`

	// SessionSecret signs dashboard websocket session tokens.
	SessionSecret string `json:"session_secret,omitempty"`

	// AdminToken grants platform-admin websocket access when set.
	AdminToken string `json:"admin_token,omitempty"`

	// AI holds tenant-default provider settings; per-tenant config
	// overrides these.
	AI AIConfig `json:"ai,omitempty"`

	// Workers is the job queue worker count (default 4).
	Workers int `json:"workers"`

	// OTLPEndpoint enables tracing when set (host:port for OTLP gRPC).
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error).
	LogLevel string `json:"log_level"`
}

// AIConfig configures the default AI provider.
type AIConfig struct {
	Provider string `json:"provider,omitempty"` // "gemini" or "kimi"
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		DatabaseURL: "/var/lib/shiplens/shiplens.db",
		Workers:     4,
		LogLevel:    "info",
		AI: AIConfig{
			Provider: "gemini",
		},
	}
}

// Load reads configuration from a file, then overlays environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SHIPLENS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("SHIPLENS_SEAL_KEY"); v != "" {
		cfg.SealKey = v
	}
	if v := os.Getenv("TENANT_DOMAIN_SUFFIX"); v != "" {
		cfg.TenantDomainSuffix = v
	}
	if v := os.Getenv("SHIPLENS_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("SHIPLENS_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("SHIPLENS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid SHIPLENS_WORKERS: %q", v)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("SHIPLENS_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("SHIPLENS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface deep inside a
// worker. Fatal config errors exit the process nonzero.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.SealKey != "" {
		key, err := hex.DecodeString(c.SealKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("seal_key must be 64 hex chars (32 bytes)")
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}
