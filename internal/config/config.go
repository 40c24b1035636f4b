package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Stores    StoresConfig    `yaml:"stores"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Migration MigrationConfig `yaml:"migration"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// PostgresConfig points at the system-of-record database, which also
// hosts the shared tenant store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// StoresConfig maps dedicated store aliases to DSNs.
type StoresConfig struct {
	Aliases map[string]string `yaml:"aliases"`
}

type RedisConfig struct {
	Addr               string        `yaml:"addr"`
	Password           string        `yaml:"password"`
	DB                 int           `yaml:"db"`
	TenantDirectoryTTL time.Duration `yaml:"tenant_directory_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type MigrationConfig struct {
	StepTimeout   time.Duration `yaml:"step_timeout"`
	ExportBatch   int           `yaml:"export_batch"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	CheckCounts   bool          `yaml:"check_counts"`
	CheckBalances bool          `yaml:"check_balances"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if sec := os.Getenv("JWT_SECRET"); sec != "" {
		cfg.Auth.JWTSecret = sec
	}
	cfg.applyDefaults()
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Redis.TenantDirectoryTTL == 0 {
		c.Redis.TenantDirectoryTTL = 30 * time.Second
	}
	if c.Migration.StepTimeout == 0 {
		c.Migration.StepTimeout = 2 * time.Minute
	}
	if c.Migration.ExportBatch == 0 {
		c.Migration.ExportBatch = 500
	}
	if c.Migration.SettleDelay == 0 {
		c.Migration.SettleDelay = 100 * time.Millisecond
	}
}
