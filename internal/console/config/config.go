package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile         = ".env"
	defaultAddress         = ":8080"
	defaultBasePath        = "/console"
	defaultEnvironment     = "Development"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultSessionIdle     = 30 * time.Minute
	defaultSessionLifetime = 12 * time.Hour
	defaultGuardTTL        = 30 * time.Second
	defaultLogLevel        = "info"
	minHashKeyLength       = 32
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Session  SessionConfig
	Guard    GuardConfig
	LogLevel string
}

// ServerConfig configures the console HTTP server.
type ServerConfig struct {
	Address      string
	BasePath     string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BackendConfig points the console at the hosted auth/data platform.
type BackendConfig struct {
	URL       string
	AnonKey   string
	JWTSecret string
	// Timeout bounds each backend HTTP call; zero leaves the client default (none).
	Timeout time.Duration
}

// SessionConfig controls the console session cookie.
type SessionConfig struct {
	HashKey      []byte
	BlockKey     []byte
	CookieSecure bool
	IdleTimeout  time.Duration
	Lifetime     time.Duration
}

// GuardConfig selects the store backing the in-flight login guard.
type GuardConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the console configuration from defaults, .env overrides and
// environment variables (dotenv < OS env < explicit map).
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	var invalid []string
	duration := func(key string, fallback time.Duration) time.Duration {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return fallback
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d < 0 {
			invalid = append(invalid, key)
			return fallback
		}
		return d
	}

	cfg := Config{
		Server: ServerConfig{
			Address:      stringWithDefault(lookup, "CONSOLE_HTTP_ADDR", defaultAddress),
			BasePath:     stringWithDefault(lookup, "CONSOLE_BASE_PATH", defaultBasePath),
			Environment:  stringWithDefault(lookup, "CONSOLE_ENVIRONMENT", defaultEnvironment),
			ReadTimeout:  duration("CONSOLE_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: duration("CONSOLE_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  duration("CONSOLE_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Backend: BackendConfig{
			URL:       strings.TrimRight(stringWithDefault(lookup, "BACKEND_URL", ""), "/"),
			AnonKey:   stringWithDefault(lookup, "BACKEND_ANON_KEY", ""),
			JWTSecret: stringWithDefault(lookup, "BACKEND_JWT_SECRET", ""),
			Timeout:   duration("BACKEND_TIMEOUT", 0),
		},
		Session: SessionConfig{
			HashKey:      []byte(stringWithDefault(lookup, "SESSION_HASH_KEY", "")),
			BlockKey:     []byte(stringWithDefault(lookup, "SESSION_BLOCK_KEY", "")),
			CookieSecure: boolWithDefault(lookup, "SESSION_COOKIE_SECURE", false),
			IdleTimeout:  duration("SESSION_IDLE_TIMEOUT", defaultSessionIdle),
			Lifetime:     duration("SESSION_LIFETIME", defaultSessionLifetime),
		},
		Guard: GuardConfig{
			RedisAddr:     stringWithDefault(lookup, "REDIS_ADDR", ""),
			RedisPassword: stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			RedisDB:       intWithDefault(lookup, "REDIS_DB", 0),
			TTL:           duration("LOGIN_GUARD_TTL", defaultGuardTTL),
		},
		LogLevel: strings.ToLower(stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel)),
	}

	if len(cfg.Session.BlockKey) == 0 {
		cfg.Session.BlockKey = nil
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if strings.TrimSpace(cfg.Server.Address) == "" {
		missing = append(missing, "Server.Address")
	}
	if cfg.Backend.URL == "" {
		missing = append(missing, "Backend.URL")
	} else if parsed, err := url.Parse(cfg.Backend.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		missing = append(missing, "Backend.URL")
	}
	if strings.TrimSpace(cfg.Backend.AnonKey) == "" {
		missing = append(missing, "Backend.AnonKey")
	}
	if len(cfg.Session.HashKey) < minHashKeyLength {
		missing = append(missing, "Session.HashKey")
	}
	switch len(cfg.Session.BlockKey) {
	case 0, 16, 24, 32:
	default:
		missing = append(missing, "Session.BlockKey")
	}
	if cfg.Guard.TTL <= 0 {
		missing = append(missing, "Guard.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
