// Package config loads process configuration from KEYLINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	HTTPAddr string `env:"KEYLINE_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"KEYLINE_GRPC_ADDR" envDefault:":9090"`

	Backend     string `env:"KEYLINE_BACKEND" envDefault:"redis"`
	PGDSN       string `env:"KEYLINE_PG_DSN"`
	PGMaxConns  int    `env:"KEYLINE_PG_MAX_CONNS" envDefault:"10"`
	RedisAddr   string `env:"KEYLINE_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPass   string `env:"KEYLINE_REDIS_PASSWORD"`
	RedisDB     int    `env:"KEYLINE_REDIS_DB" envDefault:"0"`
	RedisPrefix string `env:"KEYLINE_REDIS_PREFIX" envDefault:"keyline"`

	DefaultTenant      string `env:"KEYLINE_DEFAULT_TENANT" envDefault:"default"`
	Issuer             string `env:"KEYLINE_ISSUER"`
	ManagementAudience string `env:"KEYLINE_MANAGEMENT_AUDIENCE" envDefault:"https://keyline.local/api/v2/"`
	// Bootstrap seeds the default tenant, the management API and an admin client on start.
	Bootstrap bool `env:"KEYLINE_BOOTSTRAP" envDefault:"true"`

	SigningKeyPEM string `env:"KEYLINE_SIGNING_KEY_PEM"`
	SigningKeyID  string `env:"KEYLINE_SIGNING_KEY_ID"`

	SessionTTL     time.Duration `env:"KEYLINE_SESSION_TTL" envDefault:"30m"`
	RefreshTTL     time.Duration `env:"KEYLINE_REFRESH_TTL" envDefault:"720h"`
	PipelineBudget time.Duration `env:"KEYLINE_PIPELINE_BUDGET" envDefault:"10s"`
	StepTimeout    time.Duration `env:"KEYLINE_STEP_TIMEOUT" envDefault:"5s"`

	RateBurst    int      `env:"KEYLINE_RATE_BURST" envDefault:"20"`
	RatePerSec   float64  `env:"KEYLINE_RATE_PER_SEC" envDefault:"10"`
	MaxBodyBytes int64    `env:"KEYLINE_MAX_BODY_BYTES" envDefault:"1048576"`
	CORSOrigins  []string `env:"KEYLINE_CORS_ORIGINS" envSeparator:","`

	ShutdownTimeout time.Duration `env:"KEYLINE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses the given variables instead of the process environment
// when vars is non-nil.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendPostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("KEYLINE_PG_DSN is required for the postgres backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("KEYLINE_REDIS_ADDR is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("KEYLINE_BACKEND must be %s or %s, got %q", BackendPostgres, BackendRedis, c.Backend))
	}
	if c.DefaultTenant == "" {
		errs = append(errs, errors.New("KEYLINE_DEFAULT_TENANT must not be empty"))
	}
	if c.SigningKeyID != "" && c.SigningKeyPEM == "" {
		errs = append(errs, errors.New("KEYLINE_SIGNING_KEY_ID needs KEYLINE_SIGNING_KEY_PEM"))
	}
	if c.PipelineBudget <= 0 || c.StepTimeout <= 0 {
		errs = append(errs, errors.New("pipeline budget and step timeout must be positive"))
	}
	if c.SessionTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("session and refresh lifetimes must be positive"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate limit burst and rate must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("KEYLINE_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}
