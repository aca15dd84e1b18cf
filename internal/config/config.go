// Package config reads process configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfirmationCheck selects who validates authorisation confirmation codes.
type ConfirmationCheck string

const (
	ConfirmationLocal   ConfirmationCheck = "local"
	ConfirmationBackend ConfirmationCheck = "backend"
)

type Config struct {
	PgDSN     string
	HTTPAddr  string
	HTTPRate  float64
	HTTPBurst int
	LogLevel  string
	LogFormat string

	ConfirmationCheck    ConfirmationCheck
	ConfirmationMandated bool
	AuthorisationTTL     time.Duration
	CodeTTL              time.Duration

	RedirectSecret  string
	RedirectBaseURL string
	RedirectTTL     time.Duration

	SpiGRPCAddr string
	SpiRate     float64
	SpiBurst    int
	SpiTimeout  time.Duration
}

// Load reads the configuration. Files are loaded with godotenv first; values
// already present in the environment win.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config using lookup instead of the process environment.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		PgDSN:                r.str("XS2A_PG_DSN", ""),
		HTTPAddr:             r.str("XS2A_HTTP_ADDR", ":8080"),
		HTTPRate:             r.float("XS2A_HTTP_RATE", 20),
		HTTPBurst:            r.integer("XS2A_HTTP_BURST", 40),
		LogLevel:             r.str("XS2A_LOG_LEVEL", "info"),
		LogFormat:            r.str("XS2A_LOG_FORMAT", "json"),
		ConfirmationCheck:    ConfirmationCheck(strings.ToLower(r.str("XS2A_CONFIRMATION_CHECK", string(ConfirmationLocal)))),
		ConfirmationMandated: r.boolean("XS2A_CONFIRMATION_MANDATED", false),
		AuthorisationTTL:     r.duration("XS2A_AUTHORISATION_TTL", 15*time.Minute),
		CodeTTL:              r.duration("XS2A_CODE_TTL", 5*time.Minute),
		RedirectSecret:       r.str("XS2A_REDIRECT_SECRET", ""),
		RedirectBaseURL:      r.str("XS2A_REDIRECT_BASE_URL", ""),
		RedirectTTL:          r.duration("XS2A_REDIRECT_TTL", 10*time.Minute),
		SpiGRPCAddr:          r.str("XS2A_SPI_GRPC_ADDR", ""),
		SpiRate:              r.float("XS2A_SPI_RATE", 50),
		SpiBurst:             r.integer("XS2A_SPI_BURST", 10),
		SpiTimeout:           r.duration("XS2A_SPI_TIMEOUT", 10*time.Second),
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.ConfirmationCheck {
	case ConfirmationLocal, ConfirmationBackend:
	default:
		return fmt.Errorf("XS2A_CONFIRMATION_CHECK: unknown policy %q", c.ConfirmationCheck)
	}
	if c.AuthorisationTTL <= 0 {
		return errors.New("XS2A_AUTHORISATION_TTL must be positive")
	}
	if c.RedirectBaseURL != "" && c.RedirectSecret == "" {
		return errors.New("XS2A_REDIRECT_SECRET is required when XS2A_REDIRECT_BASE_URL is set")
	}
	if c.SpiBurst < 0 || c.HTTPBurst < 0 {
		return errors.New("XS2A_SPI_BURST and XS2A_HTTP_BURST must not be negative")
	}
	return nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}
