package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	libconfig "prepaidmeter/backend/libs/config"
	libredis "prepaidmeter/backend/libs/redis"
	"prepaidmeter/backend/services/meter-service/internal/ledger"
	"prepaidmeter/backend/services/meter-service/internal/syncadapter"
)

const defaultPort = "8085"

// Config defines meter service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Sync      SyncConfig      `yaml:"sync"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Auth      AuthConfig      `yaml:"auth"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Port string `yaml:"port" env:"METER_HTTP_PORT"`
}

// RedisConfig locates the session document collection.
type RedisConfig struct {
	Addr       string `yaml:"addr" env:"METER_REDIS_ADDR"`
	Password   string `yaml:"password" env:"METER_REDIS_PASSWORD"`
	DB         int    `yaml:"db" env:"METER_REDIS_DB"`
	Collection string `yaml:"collection" env:"METER_REDIS_COLLECTION"`
}

// DatabaseConfig configures the optional Postgres archive.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"METER_POSTGRES_DSN"`
}

// LedgerConfig holds the purchase ratio, default draw and tick cadence.
type LedgerConfig struct {
	BasePurchaseAmount  float64 `yaml:"basePurchaseAmount" env:"METER_BASE_PURCHASE_AMOUNT"`
	BaseEnergyYield     float64 `yaml:"baseEnergyYield" env:"METER_BASE_ENERGY_YIELD"`
	DefaultPowerKw      float64 `yaml:"defaultPowerKw" env:"METER_DEFAULT_POWER_KW"`
	TickIntervalSeconds int     `yaml:"tickIntervalSeconds" env:"METER_TICK_INTERVAL"`
}

// SyncConfig tunes the store write queue.
type SyncConfig struct {
	Workers             int `yaml:"workers" env:"METER_SYNC_WORKERS"`
	QueueSize           int `yaml:"queueSize" env:"METER_SYNC_QUEUE_SIZE"`
	MaxAttempts         int `yaml:"maxAttempts" env:"METER_SYNC_MAX_ATTEMPTS"`
	InitialBackoffMs    int `yaml:"initialBackoffMs" env:"METER_SYNC_BACKOFF_MS"`
	MaxBackoffMs        int `yaml:"maxBackoffMs" env:"METER_SYNC_MAX_BACKOFF_MS"`
	WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"METER_SYNC_WRITE_TIMEOUT"`
}

// WebSocketConfig tunes dashboard connections.
type WebSocketConfig struct {
	PingIntervalSeconds int `yaml:"pingIntervalSeconds" env:"METER_WS_PING_INTERVAL"`
	WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"METER_WS_WRITE_TIMEOUT"`
}

// AuthConfig enables bearer token checks on mutating routes when a secret is set.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwtSecret" env:"METER_JWT_SECRET"`
	TokenTTLMinutes int    `yaml:"tokenTtlMinutes" env:"METER_TOKEN_TTL"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: defaultPort},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			Collection: "sessions",
		},
		Ledger: LedgerConfig{
			BasePurchaseAmount:  ledger.DefaultBasePurchaseAmount,
			BaseEnergyYield:     ledger.DefaultBaseEnergyYield,
			DefaultPowerKw:      ledger.DefaultPowerKw,
			TickIntervalSeconds: 1,
		},
		Sync: SyncConfig{
			Workers:             4,
			QueueSize:           256,
			MaxAttempts:         3,
			InitialBackoffMs:    200,
			MaxBackoffMs:        5000,
			WriteTimeoutSeconds: 5,
		},
		WebSocket: WebSocketConfig{
			PingIntervalSeconds: 30,
			WriteTimeoutSeconds: 15,
		},
		Auth: AuthConfig{TokenTTLMinutes: 60},
	}
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom is Load with an explicit YAML path instead of CONFIG_FILE.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()
	if err := libconfig.LoadConfigFrom(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("config: redis addr required")
	}
	if strings.TrimSpace(c.Redis.Collection) == "" {
		return errors.New("config: redis collection required")
	}
	if !positive(c.Ledger.BasePurchaseAmount) {
		return errors.New("config: ledger basePurchaseAmount must be positive")
	}
	if !nonNegative(c.Ledger.BaseEnergyYield) {
		return errors.New("config: ledger baseEnergyYield must not be negative")
	}
	if !nonNegative(c.Ledger.DefaultPowerKw) {
		return errors.New("config: ledger defaultPowerKw must not be negative")
	}
	if c.Ledger.TickIntervalSeconds <= 0 {
		return errors.New("config: ledger tickIntervalSeconds must be positive")
	}
	if c.Sync.Workers <= 0 || c.Sync.QueueSize <= 0 {
		return errors.New("config: sync workers and queueSize must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return errors.New("config: sync maxAttempts must be positive")
	}
	if c.Sync.InitialBackoffMs < 0 || c.Sync.MaxBackoffMs < c.Sync.InitialBackoffMs {
		return errors.New("config: sync backoff must satisfy 0 <= initialBackoffMs <= maxBackoffMs")
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = defaultPort
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// RedisOptions returns client options for the shared redis helper.
func (c *Config) RedisOptions() libredis.Options {
	return libredis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// LedgerConfig returns the ledger purchase ratio and default draw.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		BasePurchaseAmount: c.Ledger.BasePurchaseAmount,
		BaseEnergyYield:    c.Ledger.BaseEnergyYield,
		DefaultPowerKw:     c.Ledger.DefaultPowerKw,
	}
}

// TickInterval returns the consumption cadence.
func (c *Config) TickInterval() time.Duration {
	return seconds(c.Ledger.TickIntervalSeconds, time.Second)
}

// RetryPolicy returns the store write retry policy.
func (c *Config) RetryPolicy() syncadapter.RetryPolicy {
	return syncadapter.RetryPolicy{
		MaxAttempts:    c.Sync.MaxAttempts,
		InitialBackoff: time.Duration(c.Sync.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.Sync.MaxBackoffMs) * time.Millisecond,
		AttemptTimeout: seconds(c.Sync.WriteTimeoutSeconds, 5*time.Second),
	}
}

// PingInterval returns websocket ping interval.
func (c *Config) PingInterval() time.Duration {
	return seconds(c.WebSocket.PingIntervalSeconds, 30*time.Second)
}

// WriteTimeout returns websocket write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return seconds(c.WebSocket.WriteTimeoutSeconds, 15*time.Second)
}

// TokenTTL returns the lifetime of issued operator tokens.
func (c *Config) TokenTTL() time.Duration {
	if c.Auth.TokenTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}
