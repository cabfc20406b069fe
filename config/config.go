// Package config loads process configuration from the environment (and,
// optionally, a config file) using Viper. Bare environment variable names
// follow the external interface named in the gateway's operational
// contract (PORT, NODE_ENV, JWT_SECRET, ...); internal tunables accept a
// GATEWAY_ prefixed override for operators who need to deviate from the
// shipped defaults without recompiling.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/relaywave/gateway/errors"
)

// Config is the fully resolved process configuration.
type Config struct {
	Port          int    `mapstructure:"port"`
	Environment   string `mapstructure:"node_env"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     string `mapstructure:"redis_port"`
	LogLevel      string `mapstructure:"log_level"`
	CORSOrigin    string `mapstructure:"cors_origin"`
	MetricsAPIKey string `mapstructure:"metrics_api_key"`

	Tunables Tunables `mapstructure:",squash"`
}

// Tunables are the numeric/duration knobs named throughout the component
// design. They have sane defaults and are not part of the external
// interface's required env vars, but can be overridden for tests or
// unusual deployments.
type Tunables struct {
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	FailureThreshold     uint32        `mapstructure:"failure_threshold"`
	ResetTimeout         time.Duration `mapstructure:"reset_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`

	MaxConnectionsPerMinute int           `mapstructure:"max_connections_per_minute"`
	RateLimitWindow         time.Duration `mapstructure:"rate_limit_window"`

	MessageLimit  int           `mapstructure:"message_limit"`
	TypingTimeout time.Duration `mapstructure:"typing_timeout"`

	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
	NoteContentTTL time.Duration `mapstructure:"note_content_ttl"`

	HighLatencyMS    float64 `mapstructure:"high_latency_ms"`
	HighErrorRatePct float64 `mapstructure:"high_error_rate_pct"`
	HighMemoryPct    float64 `mapstructure:"high_memory_pct"`
}

var (
	globalConfig *Config
	viperInst    *viper.Viper
)

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// Load resolves configuration from environment variables (and an optional
// gateway.toml/gateway.yaml found by Viper's search path), caching the
// result for subsequent calls.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// A missing .env is normal in production, where vars come from the
	// process environment directly; only report genuine parse errors.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "config: failed to load .env")
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: failed to unmarshal")
	}

	if cfg.JWTSecret == "" && cfg.IsProduction() {
		return nil, errors.New("config: JWT_SECRET is required in production")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// Reset clears the cached configuration. Used by tests that need to reload
// with a different environment.
func Reset() {
	globalConfig = nil
	viperInst = nil
}

func initViper() *viper.Viper {
	if viperInst != nil {
		return viperInst
	}

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare external-interface env vars, not GATEWAY_-prefixed.
	bindBare(v, "port", "PORT")
	bindBare(v, "node_env", "NODE_ENV")
	bindBare(v, "jwt_secret", "JWT_SECRET")
	bindBare(v, "redis_host", "REDIS_HOST")
	bindBare(v, "redis_port", "REDIS_PORT")
	bindBare(v, "log_level", "LOG_LEVEL")
	bindBare(v, "cors_origin", "CORS_ORIGIN")
	bindBare(v, "metrics_api_key", "METRICS_API_KEY")

	setDefaults(v)

	v.SetConfigName("gateway")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gateway")
	_ = v.ReadInConfig() // absence of a config file is not an error

	viperInst = v
	return v
}

func bindBare(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("node_env", "development")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("metrics_api_key", "")

	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("failure_threshold", 5)
	v.SetDefault("reset_timeout", 30*time.Second)
	v.SetDefault("reconnect_delay", 1*time.Second)
	v.SetDefault("max_reconnect_attempts", 10)

	v.SetDefault("max_connections_per_minute", 60)
	v.SetDefault("rate_limit_window", 60*time.Second)

	v.SetDefault("message_limit", 100)
	v.SetDefault("typing_timeout", 5*time.Second)

	v.SetDefault("reconnect_grace", 5*time.Second)
	v.SetDefault("note_content_ttl", 7*24*time.Hour)

	v.SetDefault("high_latency_ms", 500.0)
	v.SetDefault("high_error_rate_pct", 5.0)
	v.SetDefault("high_memory_pct", 85.0)
}
