// Package config loads service settings from defaults, an optional YAML file
// and CORPSITE_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CORPSITE_"

// Config holds all application configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Cookies   CookieConfig    `yaml:"cookies"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustProxy reads the client address from X-Forwarded-For. Enable it
	// only behind a proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`
}

// AuthConfig configures tokens, hashing and lockout.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	Issuer           string        `yaml:"issuer"`
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
	MaxLoginAttempts int           `yaml:"max_login_attempts"`
	LockDuration     time.Duration `yaml:"lock_duration"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
}

// CookieConfig controls the session cookies.
type CookieConfig struct {
	Secure   bool   `yaml:"secure"`
	SameSite string `yaml:"same_site"`
	Domain   string `yaml:"domain"`
}

// PostgresConfig selects the durable credential and refresh token store.
// An empty DSN runs the service on in-memory stores.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig selects the shared revocation registry. An empty URL keeps
// revocations in process memory.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig bounds login and refresh calls per client IP.
type RateLimitConfig struct {
	Burst     int     `yaml:"burst"`
	PerSecond float64 `yaml:"per_second"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SweepConfig schedules removal of expired refresh tokens and revocations.
// An empty schedule disables the sweeper.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Env: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:           "corpsite",
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       7 * 24 * time.Hour,
			BcryptCost:       12,
			MaxLoginAttempts: 5,
			LockDuration:     2 * time.Hour,
			StoreTimeout:     5 * time.Second,
		},
		Cookies: CookieConfig{SameSite: "lax"},
		Postgres: PostgresConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
		},
		RateLimit: RateLimitConfig{Burst: 10, PerSecond: 1},
		Sweep:     SweepConfig{Schedule: "@every 1h"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load builds the configuration from the process environment. When
// CORPSITE_CONFIG names a file, it is applied between defaults and env.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with an explicit environment lookup.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup(EnvPrefix + "CONFIG"); ok && strings.TrimSpace(path) != "" {
		if err := cfg.loadFile(strings.TrimSpace(path)); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if cfg.Env == "production" {
		cfg.Cookies.Secure = true
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v, ok := r.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = f
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func (r *envReader) list(name string, dst *[]string) {
	if v, ok := r.get(name); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}

	r.str("ENV", &c.Env)

	r.str("ADDR", &c.Server.Addr)
	r.duration("READ_TIMEOUT", &c.Server.ReadTimeout)
	r.duration("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	r.duration("IDLE_TIMEOUT", &c.Server.IdleTimeout)
	r.duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	r.boolean("TRUST_PROXY", &c.Server.TrustProxy)

	r.str("JWT_SECRET", &c.Auth.JWTSecret)
	r.str("JWT_ISSUER", &c.Auth.Issuer)
	r.duration("ACCESS_TTL", &c.Auth.AccessTTL)
	r.duration("REFRESH_TTL", &c.Auth.RefreshTTL)
	r.integer("BCRYPT_COST", &c.Auth.BcryptCost)
	r.integer("LOCKOUT_MAX_ATTEMPTS", &c.Auth.MaxLoginAttempts)
	r.duration("LOCKOUT_DURATION", &c.Auth.LockDuration)
	r.duration("STORE_TIMEOUT", &c.Auth.StoreTimeout)

	r.boolean("COOKIE_SECURE", &c.Cookies.Secure)
	r.str("COOKIE_SAMESITE", &c.Cookies.SameSite)
	r.str("COOKIE_DOMAIN", &c.Cookies.Domain)

	r.str("PG_DSN", &c.Postgres.DSN)
	r.integer("PG_MAX_OPEN_CONNS", &c.Postgres.MaxOpenConns)
	r.integer("PG_MAX_IDLE_CONNS", &c.Postgres.MaxIdleConns)
	r.duration("PG_CONN_MAX_LIFETIME", &c.Postgres.ConnMaxLifetime)

	r.str("REDIS_URL", &c.Redis.URL)
	r.str("REDIS_PASSWORD", &c.Redis.Password)
	r.integer("REDIS_DB", &c.Redis.DB)
	r.str("REDIS_PREFIX", &c.Redis.Prefix)

	r.integer("RATE_BURST", &c.RateLimit.Burst)
	r.float("RATE_PER_SECOND", &c.RateLimit.PerSecond)

	r.list("CORS_ORIGINS", &c.CORS.AllowedOrigins)
	r.str("SWEEP_SCHEDULE", &c.Sweep.Schedule)
	r.str("LOG_LEVEL", &c.Log.Level)

	return errors.Join(r.errs...)
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server addr is required"))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("%sJWT_SECRET must be at least 32 bytes", EnvPrefix))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	} else if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("refresh ttl must exceed access ttl"))
	}
	if c.Auth.BcryptCost < 12 || c.Auth.BcryptCost > 31 {
		errs = append(errs, errors.New("bcrypt cost must be between 12 and 31"))
	}
	if c.Auth.MaxLoginAttempts < 1 {
		errs = append(errs, errors.New("max login attempts must be at least 1"))
	}
	if c.Auth.LockDuration <= 0 {
		errs = append(errs, errors.New("lock duration must be positive"))
	}
	if c.Auth.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}
	if _, err := ParseSameSite(c.Cookies.SameSite); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Burst < 1 || c.RateLimit.PerSecond <= 0 {
		errs = append(errs, errors.New("rate limit burst and per_second must be positive"))
	}
	return errors.Join(errs...)
}

// SameSiteMode returns the cookie SameSite mode.
func (c CookieConfig) SameSiteMode() http.SameSite {
	mode, _ := ParseSameSite(c.SameSite)
	return mode
}

// ParseSameSite maps lax, strict and none to http.SameSite.
func ParseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return http.SameSiteDefaultMode, fmt.Errorf("unsupported cookie same_site %q", v)
	}
}
