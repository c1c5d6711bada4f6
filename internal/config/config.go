package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Dedup backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds the sync daemon configuration. Values come from the YAML
// file, then from the environment, then from defaults.
type Config struct {
	API struct {
		Base string `yaml:"base" env:"LIVESYNC_API_BASE"` // e.g. https://api.example.com/api
	} `yaml:"api"`

	State struct {
		Dir string `yaml:"dir" env:"LIVESYNC_STATE_DIR" env-default:"./data"` // token, user.json and sqlite live here
	} `yaml:"state"`

	Stream struct {
		Disabled    bool          `yaml:"disabled" env:"LIVESYNC_STREAM_DISABLED"`
		BaseDelay   time.Duration `yaml:"base_delay" env:"LIVESYNC_STREAM_BASE_DELAY" env-default:"1s"`
		MaxDelay    time.Duration `yaml:"max_delay" env:"LIVESYNC_STREAM_MAX_DELAY" env-default:"30s"`
		IdleTimeout time.Duration `yaml:"idle_timeout" env:"LIVESYNC_STREAM_IDLE_TIMEOUT" env-default:"75s"`
	} `yaml:"stream"`

	Jobs struct {
		PollInterval time.Duration `yaml:"poll_interval" env:"LIVESYNC_JOBS_POLL_INTERVAL" env-default:"3s"`
		Timeout      time.Duration `yaml:"timeout" env:"LIVESYNC_JOBS_TIMEOUT" env-default:"120s"`
	} `yaml:"jobs"`

	Live struct {
		Domain     string        `yaml:"domain" env:"LIVESYNC_LIVE_DOMAIN" env-default:"events"`
		SessionID  string        `yaml:"session_id" env:"LIVESYNC_LIVE_SESSION"` // empty: channel closed until set
		RetryDelay time.Duration `yaml:"retry_delay" env:"LIVESYNC_LIVE_RETRY_DELAY" env-default:"3s"`
	} `yaml:"live"`

	Dedup struct {
		Backend string        `yaml:"backend" env:"LIVESYNC_DEDUP_BACKEND" env-default:"memory"`
		Bucket  time.Duration `yaml:"bucket" env:"LIVESYNC_DEDUP_BUCKET" env-default:"5s"`
		TTL     time.Duration `yaml:"ttl" env:"LIVESYNC_DEDUP_TTL" env-default:"6s"`
		Redis   struct {
			Addr     string `yaml:"addr" env:"LIVESYNC_REDIS_ADDR"`
			Password string `yaml:"password" env:"LIVESYNC_REDIS_PASSWORD"`
			DB       int    `yaml:"db" env:"LIVESYNC_REDIS_DB"`
		} `yaml:"redis"`
	} `yaml:"dedup"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled" env:"LIVESYNC_DASHBOARD_ENABLED"`
		Address string `yaml:"address" env:"LIVESYNC_DASHBOARD_ADDR" env-default:"127.0.0.1:8090"`
	} `yaml:"dashboard"`

	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	} `yaml:"log"`
}

// Load reads the configuration. A missing file at path is not an error;
// the environment and defaults still apply. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values. An empty API base is allowed: the stream
// then stays in the error state without retrying.
func (c *Config) Validate() error {
	if c.API.Base != "" {
		u, err := url.Parse(c.API.Base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api.base must be an http(s) URL, got %q", c.API.Base)
		}
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.Stream.BaseDelay <= 0 || c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream.max_delay (%s) must be >= stream.base_delay (%s) > 0",
			c.Stream.MaxDelay, c.Stream.BaseDelay)
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be positive")
	}
	if c.Live.Domain == "" {
		return fmt.Errorf("live.domain is required")
	}
	if c.Dedup.Bucket < time.Millisecond {
		return fmt.Errorf("dedup.bucket must be at least 1ms")
	}
	if c.Dedup.TTL <= c.Dedup.Bucket {
		return fmt.Errorf("dedup.ttl (%s) must be longer than dedup.bucket (%s)", c.Dedup.TTL, c.Dedup.Bucket)
	}
	switch c.Dedup.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Dedup.Redis.Addr == "" {
			return fmt.Errorf("dedup.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("dedup.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Dedup.Backend)
	}
	return nil
}

// TokenPath is where the session token is stored.
func (c *Config) TokenPath() string { return filepath.Join(c.State.Dir, "token") }

// ProfilePath is where the JSON user record is stored.
func (c *Config) ProfilePath() string { return filepath.Join(c.State.Dir, "user.json") }

// DatabasePath is where the SQLite user record is stored.
func (c *Config) DatabasePath() string { return filepath.Join(c.State.Dir, "livesync.db") }
