// Package config loads the kernel's runtime configuration from a YAML file
// with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds kernel configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Ops           OpsConfig           `yaml:"ops"`
	Limits        LimitsConfig        `yaml:"limits"`
	Federation    FederationConfig    `yaml:"federation"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the event-log and idempotency backends.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // "memory" | "sql" | "redis"
	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// OpsConfig configures operator token verification and the kernel's own
// signing key.
type OpsConfig struct {
	TokenSecret   string `yaml:"token_secret"`
	TokenIssuer   string `yaml:"token_issuer"`
	KernelKeyID   string `yaml:"kernel_key_id"`
	KernelKeyPath string `yaml:"kernel_key_path"` // PEM-encoded ed25519 private key
}

// LimitsConfig sets the default per-tenant limit policy.
type LimitsConfig struct {
	RPM           int `yaml:"rpm"`
	Burst         int `yaml:"burst"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// FederationConfig names this kernel in cross-coordinator exchanges and
// lists the peers it can forward to.
type FederationConfig struct {
	CoordinatorID string            `yaml:"coordinator_id"`
	Peers         map[string]string `yaml:"peers"` // coordinatorId → base URL
}

// ObservabilityConfig controls OTLP export.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8402",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{Backend: "memory"},
		Ops: OpsConfig{
			TokenIssuer: "settld",
			KernelKeyID: "settld-kernel",
		},
		Limits: LimitsConfig{RPM: 600, Burst: 60, MaxConcurrent: 16},
		Federation: FederationConfig{
			CoordinatorID: "coord_local",
		},
		Observability: ObservabilityConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Environment:  "development",
			Insecure:     true,
		},
	}
}

// Load reads a YAML config file, falling back to defaults for absent fields
// and applying environment overrides last. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SETTLD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("SETTLD_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.RedisPassword = v
	}
	if v := os.Getenv("SETTLD_OPS_TOKEN_SECRET"); v != "" {
		c.Ops.TokenSecret = v
	}
	if v := os.Getenv("SETTLD_KERNEL_KEY_PATH"); v != "" {
		c.Ops.KernelKeyPath = v
	}
	if v := os.Getenv("SETTLD_COORDINATOR_ID"); v != "" {
		c.Federation.CoordinatorID = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Observability.OTLPEndpoint = v
		c.Observability.Enabled = true
	}
}

// Validate rejects configurations the kernel cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sql":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("config: sql backend requires storage.database_url")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("config: redis backend requires storage.redis_addr")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("config: observability.sample_rate must be within [0,1]")
	}
	return nil
}
