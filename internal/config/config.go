// Package config loads the engine configuration from a YAML file and applies
// environment variable overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks for the configuration file.
const DefaultPath = "config/config.yaml"

// Config is the root configuration for the raffle engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Raffle     RaffleConfig     `yaml:"raffle"`
	Randomness RandomnessConfig `yaml:"randomness"`
	Keeper     KeeperConfig     `yaml:"keeper"`
	Database   DatabaseConfig   `yaml:"database"`
	Events     EventsConfig     `yaml:"events"`
	Relay      RelayConfig      `yaml:"relay"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the operator HTTP API.
type ServerConfig struct {
	Host string `yaml:"host" env:"RAFFLE_SERVER_HOST"`
	Port int    `yaml:"port" env:"RAFFLE_SERVER_PORT"`

	// RateLimitRPS caps entry submissions per second; RateLimitBurst is the
	// accompanying burst allowance. Zero disables rate limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RAFFLE_SERVER_RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RAFFLE_SERVER_RATE_LIMIT_BURST"`

	// CORSOrigins lists the origins allowed to call the API from a browser.
	// Empty means no CORS headers are emitted. The environment override is a
	// semicolon-separated list.
	CORSOrigins []string `yaml:"cors_origins" env:"RAFFLE_SERVER_CORS_ORIGINS"`
}

// RaffleConfig carries the immutable raffle parameters.
type RaffleConfig struct {
	// EntranceFee is the minimum payment to enter, in the ledger's
	// smallest unit (8 decimals).
	EntranceFee int64 `yaml:"entrance_fee" env:"RAFFLE_ENTRANCE_FEE"`
	// IntervalSeconds is how long a round stays open before it becomes
	// eligible for settlement.
	IntervalSeconds int64 `yaml:"interval_seconds" env:"RAFFLE_INTERVAL_SECONDS"`
}

// RandomnessConfig controls the randomness coordinator.
type RandomnessConfig struct {
	NumWords         uint32 `yaml:"num_words" env:"RAFFLE_RANDOMNESS_NUM_WORDS"`
	Confirmations    uint16 `yaml:"confirmations" env:"RAFFLE_RANDOMNESS_CONFIRMATIONS"`
	CallbackGasLimit uint32 `yaml:"callback_gas_limit" env:"RAFFLE_RANDOMNESS_CALLBACK_GAS_LIMIT"`

	// AutoFulfill makes the coordinator deliver random words on its own
	// after FulfillDelayMS. When false, fulfillment only happens through
	// the operator API.
	AutoFulfill    bool   `yaml:"auto_fulfill" env:"RAFFLE_RANDOMNESS_AUTO_FULFILL"`
	FulfillDelayMS int    `yaml:"fulfill_delay_ms" env:"RAFFLE_RANDOMNESS_FULFILL_DELAY_MS"`
	Seed           string `yaml:"seed" env:"RAFFLE_RANDOMNESS_SEED"`
}

// KeeperConfig controls the upkeep poller.
type KeeperConfig struct {
	Enabled         bool   `yaml:"enabled" env:"RAFFLE_KEEPER_ENABLED"`
	IntervalSeconds int    `yaml:"interval_seconds" env:"RAFFLE_KEEPER_INTERVAL_SECONDS"`
	// Schedule is an optional cron expression. When set it replaces the
	// fixed interval.
	Schedule string `yaml:"schedule" env:"RAFFLE_KEEPER_SCHEDULE"`
}

// DatabaseConfig controls the optional settlement history store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"RAFFLE_DB_DRIVER"`
	DSN             string `yaml:"dsn" env:"RAFFLE_DB_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"RAFFLE_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"RAFFLE_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"RAFFLE_DB_CONN_MAX_LIFETIME"` // seconds
}

// EventsConfig controls the in-memory event log.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" env:"RAFFLE_EVENTS_BUFFER_SIZE"`
}

// RelayConfig controls the Redis event relay. An empty RedisAddr disables it.
type RelayConfig struct {
	RedisAddr     string `yaml:"redis_addr" env:"RAFFLE_RELAY_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"RAFFLE_RELAY_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"RAFFLE_RELAY_REDIS_DB"`
	Channel       string `yaml:"channel" env:"RAFFLE_RELAY_CHANNEL"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"RAFFLE_LOG_LEVEL"`
	Format     string `yaml:"format" env:"RAFFLE_LOG_FORMAT"`
	Output     string `yaml:"output" env:"RAFFLE_LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"RAFFLE_LOG_FILE_PREFIX"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Raffle: RaffleConfig{
			EntranceFee:     10000000, // 0.1 units
			IntervalSeconds: 30,
		},
		Randomness: RandomnessConfig{
			NumWords:         1,
			Confirmations:    3,
			CallbackGasLimit: 500000,
			AutoFulfill:      true,
			FulfillDelayMS:   250,
		},
		Keeper: KeeperConfig{
			Enabled:         true,
			IntervalSeconds: 5,
		},
		Events: EventsConfig{
			BufferSize: 1000,
		},
		Relay: RelayConfig{
			Channel: "raffle.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration from DefaultPath. A missing file is not an error;
// the built-in defaults plus environment overrides apply.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath)
}

// LoadFromPath reads configuration from an explicit path. The file must exist
// unless it is DefaultPath.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Raffle.EntranceFee <= 0 {
		return fmt.Errorf("raffle.entrance_fee must be positive, got %d", c.Raffle.EntranceFee)
	}
	if c.Raffle.IntervalSeconds <= 0 {
		return fmt.Errorf("raffle.interval_seconds must be positive, got %d", c.Raffle.IntervalSeconds)
	}
	if c.Randomness.NumWords == 0 {
		return errors.New("randomness.num_words must be at least 1")
	}
	if c.Keeper.Enabled && c.Keeper.Schedule == "" && c.Keeper.IntervalSeconds <= 0 {
		return errors.New("keeper.interval_seconds must be positive when the keeper is enabled without a schedule")
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
