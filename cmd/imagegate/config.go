package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ineyio/imagegate"
	redisstore "github.com/ineyio/imagegate/counter/redis"
	pgstore "github.com/ineyio/imagegate/credit/postgres"
)

// maxProviderRetries bounds PROVIDER_MAX_RETRIES; every retry is a paid call.
const maxProviderRetries = 10

// Storage backends.
const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendPostgres = "postgres"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"text"`
	MetricsEnabled  bool          `env:"METRICS_ENABLED" envDefault:"true"`

	RegistryPath string `env:"MODEL_REGISTRY_PATH"`
	DefaultModel string `env:"DEFAULT_MODEL"`
	IPSalt       string `env:"IP_HASH_SALT"`

	CounterBackend string `env:"COUNTER_BACKEND" envDefault:"memory"`
	LedgerBackend  string `env:"LEDGER_BACKEND" envDefault:"memory"`
	AutoMigrate    bool   `env:"DATABASE_AUTO_MIGRATE" envDefault:"true"`

	// MemoryAccounts seeds the memory ledger, e.g. "alice:10,bob:25".
	MemoryAccounts map[string]int64 `env:"MEMORY_LEDGER_ACCOUNTS" envKeyValSeparator:":"`

	ReplicateToken string `env:"REPLICATE_API_TOKEN"`
	GeminiAPIKey   string `env:"GEMINI_API_KEY"`

	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"120s"`
	// MaxRetries counts retries after the first call; 0 disables them.
	MaxRetries      int           `env:"PROVIDER_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay  time.Duration `env:"PROVIDER_RETRY_BASE_DELAY" envDefault:"5s"`
	RefundTimeout   time.Duration `env:"REFUND_TIMEOUT" envDefault:"10s"`

	Limits     imagegate.Limits
	ByteLimits imagegate.ByteLimits
	Redis      redisstore.Config
	Postgres   pgstore.Config
}

// LoadConfig parses the environment into a Config.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend names and limits.
func (c Config) Validate() error {
	switch c.CounterBackend {
	case backendMemory, backendRedis:
	default:
		return fmt.Errorf("COUNTER_BACKEND: unknown backend %q", c.CounterBackend)
	}
	switch c.LedgerBackend {
	case backendMemory, backendPostgres:
	default:
		return fmt.Errorf("LEDGER_BACKEND: unknown backend %q", c.LedgerBackend)
	}
	if c.MaxRetries < 0 || c.MaxRetries > maxProviderRetries {
		return fmt.Errorf("PROVIDER_MAX_RETRIES: must be between 0 and %d, got %d", maxProviderRetries, c.MaxRetries)
	}
	if c.LedgerBackend == backendPostgres && c.Postgres.ConnectionString == "" {
		return fmt.Errorf("DATABASE_URL is required with LEDGER_BACKEND=postgres")
	}
	return c.Limits.Validate()
}

// retryOptions maps the configured retry count onto RetryOptions, where zero
// means the library default rather than no retries.
func (c Config) retryOptions() imagegate.RetryOptions {
	retries := c.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return imagegate.RetryOptions{MaxRetries: retries, BaseDelay: c.RetryBaseDelay}
}

// registry loads the model registry file, or the built-in set when no path
// is configured.
func (c Config) registry() (*imagegate.Registry, error) {
	if c.RegistryPath == "" {
		return imagegate.DefaultRegistry(), nil
	}
	return imagegate.LoadRegistry(c.RegistryPath)
}
