// Package app loads service configuration and wires every subsystem into a
// runnable HTTP server.
package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the environment-driven service configuration. Model, domain,
// tier, and rate-limit definitions live in the optional YAML file named by
// ConfigFile.
type Config struct {
	ListenAddr string
	LogLevel   string
	ConfigFile string
	DBDSN      string

	AdminToken  string
	CORSOrigins []string // empty = ["*"]

	// Per-client-IP request limiting on the public surface.
	RateLimitRPS   int
	RateLimitBurst int

	ProviderTimeoutSecs int

	TemporalEnabled   bool
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	VaultEnabled    bool
	VaultPassphrase string

	OtelEnabled  bool
	OtelEndpoint string
}

// LoadConfig reads CASCADEFLOW_* environment variables and validates them.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("CASCADEFLOW_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("CASCADEFLOW_LOG_LEVEL", "info"),
		ConfigFile: getEnv("CASCADEFLOW_CONFIG_FILE", ""),
		DBDSN:      getEnv("CASCADEFLOW_DB_DSN", "file:cascadeflow.sqlite"),

		AdminToken:  getEnv("CASCADEFLOW_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("CASCADEFLOW_CORS_ORIGINS", nil),

		RateLimitRPS:   getEnvInt("CASCADEFLOW_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("CASCADEFLOW_RATE_LIMIT_BURST", 120),

		ProviderTimeoutSecs: getEnvInt("CASCADEFLOW_PROVIDER_TIMEOUT_SECS", 60),

		TemporalEnabled:   getEnvBool("CASCADEFLOW_TEMPORAL_ENABLED", false),
		TemporalHost:      getEnv("CASCADEFLOW_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("CASCADEFLOW_TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnv("CASCADEFLOW_TEMPORAL_TASK_QUEUE", "cascadeflow-batches"),

		VaultEnabled:    getEnvBool("CASCADEFLOW_VAULT_ENABLED", false),
		VaultPassphrase: getEnv("CASCADEFLOW_VAULT_PASSPHRASE", ""),

		OtelEnabled:  getEnvBool("CASCADEFLOW_OTEL_ENABLED", false),
		OtelEndpoint: getEnv("CASCADEFLOW_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects obviously broken settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("CASCADEFLOW_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("CASCADEFLOW_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("CASCADEFLOW_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.VaultEnabled && c.VaultPassphrase == "" {
		return fmt.Errorf("CASCADEFLOW_VAULT_PASSPHRASE required when the vault is enabled")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
