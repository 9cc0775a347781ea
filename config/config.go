package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the conductor process's environment-sourced configuration
// (spec.md §4.2 construction params + §4.1 board backend selection).
type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Name string `env:"CONDUCTOR_NAME" envDefault:"conductor" validate:"required"`

	// BoardBackend selects fetch.Spec.Backend ("zookeeper" or "redis").
	BoardBackend string `env:"BOARD_BACKEND" envDefault:"zookeeper" validate:"required,oneof=zookeeper redis"`
	BoardRoot    string `env:"BOARD_ROOT" envDefault:"/dist-job-scheduler"`

	// ZooKeeper board options.
	ZKServers        []string      `env:"ZK_SERVERS" envSeparator:"," envDefault:"127.0.0.1:2181"`
	ZKSessionTimeout time.Duration `env:"ZK_SESSION_TIMEOUT" envDefault:"10s"`

	// Redis board options.
	RedisAddr  string        `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisLease time.Duration `env:"REDIS_LEASE" envDefault:"30s"`

	// Dispatch loop tuning (spec.md §4.2).
	WaitTimeout        time.Duration `env:"WAIT_TIMEOUT" envDefault:"1s" validate:"required"`
	CompilerErrorLimit int           `env:"COMPILER_ERROR_LIMIT" envDefault:"1" validate:"min=1"`
	MaxDispatches      int           `env:"MAX_DISPATCHES" envDefault:"0"` // 0 = unbounded
	Blocking           bool          `env:"BLOCKING" envDefault:"false"`
	PoolSize           int           `env:"POOL_SIZE" envDefault:"8" validate:"min=1,max=256"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
