package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider kinds.
const (
	ProviderStatic = "static"
	ProviderSQLite = "sqlite"
)

// Cache kinds.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all configuration for the authorization engine
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ProviderConfig selects where decision data is read from
type ProviderConfig struct {
	Kind         string `mapstructure:"kind"`          // static or sqlite
	FixturesPath string `mapstructure:"fixtures_path"` // YAML fixtures; seeds the SQLite store when set
	DatabaseFile string `mapstructure:"database_file"` // SQLite database file
}

// CacheConfig holds provider cache settings
type CacheConfig struct {
	Kind  string        `mapstructure:"kind"` // none, memory or redis
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RabbitMQConfig holds RabbitMQ connection settings
type RabbitMQConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Queue         string `mapstructure:"queue"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
}

// URL returns the AMQP connection URL.
func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.Username, c.Password, c.Host, c.Port)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Output      string `mapstructure:"output"`
	Development bool   `mapstructure:"development"`
}

// TelemetryConfig toggles OpenTelemetry instruments
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from file and environment variables. Environment
// variables use the AUTHZ_ prefix, e.g. AUTHZ_CACHE_KIND. A missing config
// file is not an error when no explicit path is given.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Set config file location
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Read environment variables
	v.SetEnvPrefix("AUTHZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("provider.kind", ProviderStatic)
	v.SetDefault("provider.fixtures_path", "./configs/fixtures.yaml")
	v.SetDefault("provider.database_file", "./data/authz.db")

	v.SetDefault("cache.kind", CacheMemory)
	v.SetDefault("cache.ttl", 5*time.Second)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "authz:")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.username", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.queue", "authz-requests")
	v.SetDefault("rabbitmq.prefetch_count", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.development", false)

	v.SetDefault("telemetry.enabled", true)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderStatic:
	case ProviderSQLite:
		if c.Provider.DatabaseFile == "" {
			return errors.New("provider.database_file is required for the sqlite provider")
		}
	default:
		return fmt.Errorf("unknown provider.kind %q", c.Provider.Kind)
	}

	switch c.Cache.Kind {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache.kind %q", c.Cache.Kind)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}
