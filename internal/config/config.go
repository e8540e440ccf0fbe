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

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Server
	Port     string
	GRPCAddr string
	Version  string

	// Storage
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// Tokens
	AccessTokenSecret  string
	AccessTokenExpiry  time.Duration
	RefreshTokenSecret string
	RefreshTokenExpiry time.Duration
	TokenIssuer        string

	// Passwords and login throttling
	PasswordHasher   string
	LoginMaxAttempts int
	LoginLockout     time.Duration

	// HTTP surface
	CORSOrigins    []string
	CookieSecure   bool
	CookieSameSite string
	RateLimitRPS   int
	RateLimitBurst int
	TrustProxy     bool

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads .env (when present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	var missing []string
	required := func(key string) string {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		Port:               env("PORT", "8000"),
		GRPCAddr:           env("GRPC_ADDR", ":9090"),
		Version:            env("APP_VERSION", "dev"),
		DatabaseURL:        env("DATABASE_URL", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisPassword:      getenv("REDIS_PASSWORD"),
		AccessTokenSecret:  required("ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret: required("REFRESH_TOKEN_SECRET"),
		TokenIssuer:        env("TOKEN_ISSUER", "videotube"),
		PasswordHasher:     strings.ToLower(env("PASSWORD_HASHER", "bcrypt")),
		CORSOrigins:        splitList(env("CORS_ORIGIN", "http://localhost:5173")),
		CookieSameSite:     strings.ToLower(env("COOKIE_SAMESITE", "lax")),
		LogLevel:           env("LOG_LEVEL", "info"),
		LogFormat:          env("LOG_FORMAT", "json"),
	}
	accessRaw := required("ACCESS_TOKEN_EXPIRY")
	refreshRaw := required("REFRESH_TOKEN_EXPIRY")
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	var err error
	if cfg.AccessTokenExpiry, err = ParseExpiry(accessRaw); err != nil {
		return nil, fmt.Errorf("ACCESS_TOKEN_EXPIRY: %w", err)
	}
	if cfg.RefreshTokenExpiry, err = ParseExpiry(refreshRaw); err != nil {
		return nil, fmt.Errorf("REFRESH_TOKEN_EXPIRY: %w", err)
	}
	if cfg.AccessTokenSecret == cfg.RefreshTokenSecret {
		return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if cfg.LoginLockout, err = ParseExpiry(env("LOGIN_LOCKOUT", "15m")); err != nil {
		return nil, fmt.Errorf("LOGIN_LOCKOUT: %w", err)
	}
	if cfg.CookieSecure, err = strconv.ParseBool(env("COOKIE_SECURE", "true")); err != nil {
		return nil, fmt.Errorf("COOKIE_SECURE: %w", err)
	}
	if cfg.TrustProxy, err = strconv.ParseBool(env("TRUST_PROXY", "false")); err != nil {
		return nil, fmt.Errorf("TRUST_PROXY: %w", err)
	}
	if cfg.LoginMaxAttempts, err = positiveInt(env("LOGIN_MAX_ATTEMPTS", "5")); err != nil {
		return nil, fmt.Errorf("LOGIN_MAX_ATTEMPTS: %w", err)
	}
	if cfg.RateLimitRPS, err = positiveInt(env("RATE_LIMIT_RPS", "20")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = positiveInt(env("RATE_LIMIT_BURST", "40")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
	}
	if strings.EqualFold(cfg.GRPCAddr, "off") {
		cfg.GRPCAddr = ""
	}
	switch cfg.CookieSameSite {
	case "lax", "strict", "none":
	default:
		return nil, fmt.Errorf("COOKIE_SAMESITE: unsupported value %q", cfg.CookieSameSite)
	}
	return cfg, nil
}

// ParseExpiry accepts Go durations ("15m", "1h30m"), day counts ("1d", "10d")
// and bare seconds ("3600").
func ParseExpiry(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0, errors.New("empty duration")
	}
	var d time.Duration
	switch {
	case strings.HasSuffix(raw, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", raw)
		}
		d = time.Duration(days) * 24 * time.Hour
	default:
		if secs, err := strconv.Atoi(raw); err == nil {
			d = time.Duration(secs) * time.Second
			break
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return 0, err
		}
		d = parsed
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", raw)
	}
	return d, nil
}

// ListenAddr returns the HTTP listen address for Port.
func (c *Config) ListenAddr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func positiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be > 0, got %d", n)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
