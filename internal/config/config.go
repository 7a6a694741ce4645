// Package config loads server settings from the environment.
//
// Values are resolved in order: process environment, then the optional YAML
// file named by CONFIG_FILE, then built-in defaults. A .env file in the
// working directory is loaded into the environment first if present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

const devSecret = "dev-secret"

// Config holds everything cmd/server needs to wire the engine.
type Config struct {
	Port   string
	AppEnv string

	DatabaseURL string
	RedisURL    string

	QuoteURL       string
	QuoteTimeout   time.Duration
	QuoteCacheTTL  time.Duration
	QuoteRatePerS  float64
	FallbackPrice  decimal.Decimal
	SnapshotEvery  time.Duration
	ExpirySweepAt  string // HH:MM New York time
	ExpiryHour     int
	ExpiryMinute   int
	JWTSecret      string
	JWTIssuer      string
	AdminSecret    string
	RequestTimeout time.Duration
}

// TestMode reports whether market-hours checks are disabled and the
// fallback price is in effect.
func (c *Config) TestMode() bool { return c.AppEnv == EnvTest }

// Production reports whether the server runs with production safeguards.
func (c *Config) Production() bool { return c.AppEnv == EnvProduction }

// Load reads the configuration.
func Load() (*Config, error) {
	// Ignore error so the server still starts when .env is missing.
	_ = godotenv.Load()

	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return load(func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(file[key])
	})
}

func load(lookup func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := lookup(key); v != "" {
			return v
		}
		return def
	}

	c := &Config{
		Port:        get("PORT", "8080"),
		AppEnv:      strings.ToLower(get("APP_ENV", EnvDevelopment)),
		DatabaseURL: get("DATABASE_URL", ""),
		RedisURL:    get("REDIS_URL", ""),
		QuoteURL:    get("QUOTE_URL", ""),
		JWTSecret:   get("JWT_SECRET", ""),
		JWTIssuer:   get("JWT_ISSUER", "optarena"),
		AdminSecret: get("ADMIN_SECRET", ""),
	}
	switch c.AppEnv {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return nil, fmt.Errorf("config: invalid APP_ENV %q: use development, production or test", c.AppEnv)
	}

	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(get(key, def))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("config: invalid %s %q", key, get(key, def)))
		}
		return d
	}
	c.QuoteTimeout = duration("QUOTE_TIMEOUT", "5s")
	c.QuoteCacheTTL = duration("QUOTE_CACHE_TTL", "10m")
	c.SnapshotEvery = duration("SNAPSHOT_INTERVAL", "1h")
	c.RequestTimeout = duration("REQUEST_TIMEOUT", "30s")

	rate, err := strconv.ParseFloat(get("QUOTE_RATE_PER_SEC", "5"), 64)
	if err != nil || rate < 0 {
		errs = append(errs, fmt.Errorf("config: invalid QUOTE_RATE_PER_SEC %q", get("QUOTE_RATE_PER_SEC", "5")))
	}
	c.QuoteRatePerS = rate

	price, err := decimal.NewFromString(get("FALLBACK_PRICE", "10"))
	if err != nil || !price.IsPositive() {
		errs = append(errs, fmt.Errorf("config: invalid FALLBACK_PRICE %q", get("FALLBACK_PRICE", "10")))
	}
	c.FallbackPrice = price

	c.ExpirySweepAt = get("EXPIRY_SWEEP_AT", "15:45")
	at, err := time.Parse("15:04", c.ExpirySweepAt)
	if err != nil {
		errs = append(errs, fmt.Errorf("config: invalid EXPIRY_SWEEP_AT %q: want HH:MM", c.ExpirySweepAt))
	}
	c.ExpiryHour, c.ExpiryMinute = at.Hour(), at.Minute()

	if c.Production() {
		var missing []string
		if c.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		}
		if c.AdminSecret == "" {
			missing = append(missing, "ADMIN_SECRET")
		}
		if len(missing) > 0 {
			errs = append(errs, errors.New("config: missing required env: "+strings.Join(missing, ",")))
		}
	} else {
		if c.JWTSecret == "" {
			c.JWTSecret = devSecret
		}
		if c.AdminSecret == "" {
			c.AdminSecret = devSecret
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}
