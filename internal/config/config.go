package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "POS_"

type Config struct {
	Port          string `koanf:"port"`
	AllowedOrigin string `koanf:"allowed_origin"`

	BackendURL            string `koanf:"backend_url"`
	BackendTimeoutSeconds int    `koanf:"backend_timeout_seconds"`
	BreakerFailures       int    `koanf:"breaker_failures"`
	BreakerOpenSeconds    int    `koanf:"breaker_open_seconds"`
	StoreID               int64  `koanf:"store_id"`

	DatabaseURL    string `koanf:"database_url"`
	SkipMigrations bool   `koanf:"skip_migrations"`

	RedisAddr         string `koanf:"redis_addr"`
	RedisPassword     string `koanf:"redis_password"`
	RedisDB           int    `koanf:"redis_db"`
	CatalogTTLSeconds int    `koanf:"catalog_ttl_seconds"`

	KafkaBrokers string `koanf:"kafka_brokers"`
	KafkaTopic   string `koanf:"kafka_topic"`

	AuthSecret            string `koanf:"auth_secret"`
	AccessTokenTTLMinutes int    `koanf:"access_token_ttl_minutes"`
	SessionIdleMinutes    int    `koanf:"session_idle_minutes"`

	LogLevel       string `koanf:"log_level"`
	LogFile        string `koanf:"log_file"`
	LogDevelopment bool   `koanf:"log_development"`
}

// Load reads the optional YAML file named by POS_CONFIG_FILE, then overlays
// POS_* environment variables (POS_BACKEND_URL sets backend_url).
func Load() (Config, error) {
	k := koanf.New(".")

	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG_FILE")); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Port = defaultString(c.Port, "8080")
	c.AllowedOrigin = defaultString(c.AllowedOrigin, "http://127.0.0.1:3000")
	c.BackendURL = strings.TrimSpace(c.BackendURL)
	c.AuthSecret = strings.TrimSpace(c.AuthSecret)
	c.KafkaTopic = defaultString(c.KafkaTopic, "pos.sales.completed")
	c.LogLevel = defaultString(c.LogLevel, "info")

	if c.BackendTimeoutSeconds < 1 {
		c.BackendTimeoutSeconds = 15
	}
	if c.BreakerFailures < 1 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenSeconds < 1 {
		c.BreakerOpenSeconds = 30
	}
	if c.StoreID < 1 {
		c.StoreID = 1
	}
	if c.RedisDB < 0 {
		c.RedisDB = 0
	}
	if c.CatalogTTLSeconds < 1 {
		c.CatalogTTLSeconds = 60
	}
	if c.AccessTokenTTLMinutes < 1 {
		c.AccessTokenTTLMinutes = 480
	}
	if c.SessionIdleMinutes < 1 {
		c.SessionIdleMinutes = 120
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

func (c Config) CatalogTTL() time.Duration {
	return time.Duration(c.CatalogTTLSeconds) * time.Second
}

func (c Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

// Brokers splits the comma separated KafkaBrokers list.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func defaultString(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
