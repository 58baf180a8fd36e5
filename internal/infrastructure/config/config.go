// Package config loads the relay configuration from an optional YAML file
// overlaid with RELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Brokers   []BrokerConfig  `mapstructure:"brokers"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit" validate:"min=1"`
	Window time.Duration `mapstructure:"window" validate:"min=1s"`
}

type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" validate:"min=0"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"min=1"`
}

type TraceConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type BroadcastConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	RequireAck bool          `mapstructure:"require_ack"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

type BrokerConfig struct {
	Name    string        `mapstructure:"name" validate:"required"`
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Load reads the config file at path (optional, empty means env-only) and
// applies environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	// Empty-string defaults register the keys so AutomaticEnv can bind
	// RELAY_DATABASE_DSN and RELAY_AUTH_JWT_SECRET without a config file.
	v.SetDefault("database.dsn", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("kafka.topic", "order-status-events")

	v.SetDefault("rate_limit.limit", 3)
	v.SetDefault("rate_limit.window", 10*time.Second)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.backoff_multiplier", 2.0)

	v.SetDefault("trace.max_age", 5*time.Minute)
	v.SetDefault("trace.sweep_interval", time.Minute)

	v.SetDefault("broadcast.max_retries", 3)
	v.SetDefault("broadcast.retry_delay", 500*time.Millisecond)
	v.SetDefault("broadcast.require_ack", false)
	v.SetDefault("broadcast.ack_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
}
