// Package config loads rabbitsafe process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/glimte/rabbitsafe/internal/tracing"
	"github.com/glimte/rabbitsafe/monitor"
)

// ErrMissingURL is returned when RABBITMQ_URL is not set
var ErrMissingURL = errors.New("config: RABBITMQ_URL is required")

// RedisConfig locates the debounce cache. An empty address disables
// debouncing.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// ConsumerConfig holds consumer defaults
type ConsumerConfig struct {
	Prefetch        int           `env:"CONSUMER_PREFETCH" envDefault:"1"`
	Retries         bool          `env:"CONSUMER_RETRIES" envDefault:"false"`
	MaxRetries      int           `env:"CONSUMER_MAX_RETRIES" envDefault:"3"`
	RetryDelay      time.Duration `env:"CONSUMER_RETRY_DELAY" envDefault:"60s"`
	DebounceTimeout time.Duration `env:"CONSUMER_DEBOUNCE_TIMEOUT" envDefault:"60s"`
}

// Config is the full process configuration
type Config struct {
	RabbitMQURL string `env:"RABBITMQ_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`

	Redis    RedisConfig
	Consumer ConsumerConfig
	Metrics  monitor.ServerConfig
	Tracing  tracing.Config
}

// Load reads the configuration from the process environment
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadEnvironment reads the configuration from the given variables only
func LoadEnvironment(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

// LoadWithOverrides reads the process environment, letting overrides
// replace individual variables
func LoadWithOverrides(overrides map[string]string) (Config, error) {
	environ := env.ToMap(os.Environ())
	maps.Copy(environ, overrides)
	return LoadEnvironment(environ)
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.RabbitMQURL == "" {
		return Config{}, ErrMissingURL
	}
	return cfg, nil
}

// NewLogger builds a logger writing to stderr. format is "json" or "text";
// an unknown level falls back to info.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stderr, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
