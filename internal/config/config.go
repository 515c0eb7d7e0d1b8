// Package config loads engine settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Pool       PoolConfig       `yaml:"pool"`
	Auth       AuthConfig       `yaml:"auth"`
	Randomness RandomnessConfig `yaml:"randomness"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port           string  `yaml:"port" env:"PORT"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	OTelEndpoint   string  `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
	AirdropEnabled bool    `yaml:"airdrop_enabled" env:"AIRDROP_ENABLED"`
}

// StorageConfig selects and addresses the persistence backend.
type StorageConfig struct {
	Driver      string        `yaml:"driver" env:"STORE_DRIVER"` // memory | postgres | sqlite
	DatabaseURL string        `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath  string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	RedisURL    string        `yaml:"redis_url" env:"REDIS_URL"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// PoolConfig holds the pool's accounting and risk parameters.
type PoolConfig struct {
	AdminID      string        `yaml:"admin_id" env:"ADMIN_ID"`
	Asset        string        `yaml:"asset" env:"ASSET"`
	UnitDecimals int32         `yaml:"unit_decimals" env:"UNIT_DECIMALS"`
	RiskDivisor  uint64        `yaml:"risk_divisor" env:"RISK_DIVISOR"`
	MinChance    uint64        `yaml:"min_chance" env:"MIN_CHANCE"`
	MaxChance    uint64        `yaml:"max_chance" env:"MAX_CHANCE"`
	LockPeriod   time.Duration `yaml:"lp_lock_period" env:"LP_LOCK_PERIOD"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
}

// RandomnessConfig selects the settlement randomness provider.
type RandomnessConfig struct {
	Mode         string `yaml:"mode" env:"RANDOMNESS_MODE"` // supplied | oracle
	ResolveSlots uint64 `yaml:"resolve_slots" env:"ORACLE_RESOLVE_SLOTS"`
	ExpirySlots  uint64 `yaml:"expiry_slots" env:"ORACLE_EXPIRY_SLOTS"`
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"LOG_FORMAT"` // text | json
}

var ErrInvalid = errors.New("config: invalid")

// Load reads path (skipped when empty), overlays .env and the environment,
// then fills defaults.
func Load(path string) (*Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse env: %w", err)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults fills every unset value with a sensible default.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RateLimitRPS <= 0 {
		cfg.Server.RateLimitRPS = 5
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 10
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "bankroll.db"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Pool.Asset == "" {
		cfg.Pool.Asset = "SOL"
	}
	if cfg.Pool.UnitDecimals <= 0 {
		cfg.Pool.UnitDecimals = 9
	}
	if cfg.Pool.RiskDivisor == 0 {
		cfg.Pool.RiskDivisor = 100
	}
	if cfg.Pool.MinChance == 0 {
		cfg.Pool.MinChance = 2
	}
	if cfg.Pool.MaxChance == 0 {
		cfg.Pool.MaxChance = 50
	}
	if cfg.Auth.JWTIssuer == "" {
		cfg.Auth.JWTIssuer = "kzyno"
	}
	if cfg.Randomness.Mode == "" {
		cfg.Randomness.Mode = "supplied"
	}
	if cfg.Randomness.ResolveSlots == 0 {
		cfg.Randomness.ResolveSlots = 2
	}
	if cfg.Randomness.ExpirySlots == 0 {
		cfg.Randomness.ExpirySlots = 150
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Storage.Driver)
	}
	switch c.Randomness.Mode {
	case "supplied", "oracle":
	default:
		return fmt.Errorf("%w: unknown randomness mode %q", ErrInvalid, c.Randomness.Mode)
	}
	if c.Pool.MinChance < 2 || c.Pool.MaxChance < c.Pool.MinChance {
		return fmt.Errorf("%w: chance range [%d, %d]", ErrInvalid, c.Pool.MinChance, c.Pool.MaxChance)
	}
	return nil
}

// ValidateServe adds the requirements of a running server.
func (c *Config) ValidateServe() error {
	if c.Pool.AdminID == "" {
		return fmt.Errorf("%w: ADMIN_ID is required", ErrInvalid)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrInvalid)
	}
	return nil
}
