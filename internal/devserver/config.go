// Package devserver is a small reference backend speaking the push, poll and
// live session protocols of the sync daemon. It is meant for local
// development and integration tests.
package devserver

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the backend settings, read from the environment.
type Config struct {
	Addr string `env:"DEVSERVER_ADDR" env-default:":3001"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Credentials
	JWTSecret string        `env:"DEVSERVER_JWT_SECRET" env-default:"livesync-dev-secret"`
	TokenTTL  time.Duration `env:"DEVSERVER_TOKEN_TTL" env-default:"24h"`

	PingInterval time.Duration `env:"DEVSERVER_PING_INTERVAL" env-default:"15s"`
	JobTTL       time.Duration `env:"DEVSERVER_JOB_TTL" env-default:"1h"` // job hash lifetime after the last write
}

// LoadConfig reads the configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("DEVSERVER_JWT_SECRET must not be empty")
	}
	if cfg.PingInterval <= 0 || cfg.TokenTTL <= 0 || cfg.JobTTL <= 0 {
		return nil, fmt.Errorf("durations must be positive")
	}
	return &cfg, nil
}
