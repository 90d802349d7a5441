package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the GenHive server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Modes    ModesConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig tunes the job queue engine.
type QueueConfig struct {
	LeaseTimeout  time.Duration
	SweepInterval time.Duration
	PageSize      int

	// Upfront payment kicks in for jobs larger than
	// UpfrontBaseTokens + UpfrontTokensPerThread * active worker threads.
	UpfrontBaseTokens      int
	UpfrontTokensPerThread int

	// DisableDowngrade forces rejection even when the caller would
	// accept a reduced-scope job.
	DisableDowngrade bool

	// KudosTransferAllowlist holds the caller addresses permitted to
	// push kudos transfers into this horde.
	KudosTransferAllowlist []string
}

// ModesConfig carries process-wide operating modes. It is read once per
// admission decision, never mutated at runtime.
type ModesConfig struct {
	Maintenance bool
	Raid        bool
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GENHIVE_PORT", 8080),
			Env:  envString("GENHIVE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			LeaseTimeout:           envDuration("QUEUE_LEASE_TIMEOUT", 10*time.Minute),
			SweepInterval:          envDuration("QUEUE_SWEEP_INTERVAL", 30*time.Second),
			PageSize:               envInt("QUEUE_PAGE_SIZE", 50),
			UpfrontBaseTokens:      envInt("QUEUE_UPFRONT_BASE_TOKENS", 256),
			UpfrontTokensPerThread: envInt("QUEUE_UPFRONT_TOKENS_PER_THREAD", 8),
			DisableDowngrade:       envBool("QUEUE_DISABLE_DOWNGRADE", false),
			KudosTransferAllowlist: envList("KUDOS_TRANSFER_ALLOWLIST"),
		},
		Modes: ModesConfig{
			Maintenance: envBool("GENHIVE_MAINTENANCE", false),
			Raid:        envBool("GENHIVE_RAID", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("QUEUE_LEASE_TIMEOUT must be positive, got %s", c.Queue.LeaseTimeout)
	}
	if c.Queue.PageSize <= 0 {
		return fmt.Errorf("QUEUE_PAGE_SIZE must be positive, got %d", c.Queue.PageSize)
	}
	if c.Queue.UpfrontBaseTokens < 0 || c.Queue.UpfrontTokensPerThread < 0 {
		return fmt.Errorf("upfront threshold parameters must not be negative")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
