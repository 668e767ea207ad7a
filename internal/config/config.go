// Package config loads service settings from the environment, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	ShutdownTimeout time.Duration
	MaxRequestBytes int64

	// RedisAddr selects the Redis preview backend; empty keeps previews in memory.
	RedisAddr  string
	PreviewTTL time.Duration

	// ClassifierAddr selects the remote gRPC classifier; empty uses the mock.
	ClassifierAddr  string
	ClassifyTimeout time.Duration
	MockFailureRate float64

	JWTSecret   string
	JWTAudience string

	MaxSessions          int
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
}

// Load reads the configuration using os.Getenv.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through lookup, which returns "" for
// unset keys. When CONFIG_FILE is set, keys missing from lookup fall back to
// that file.
func LoadFrom(lookup func(string) string) (*Config, error) {
	if path := lookup("CONFIG_FILE"); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("CONFIG_FILE: %w", err)
		}
		defer file.Close()

		values, err := ParseFile(file)
		if err != nil {
			return nil, fmt.Errorf("CONFIG_FILE %s: %w", path, err)
		}
		lookup = layered(lookup, values)
	}

	l := loader{lookup: lookup}
	cfg := &Config{
		HTTPAddr:             l.str("HTTP_ADDR", ":8080"),
		LogLevel:             l.str("LOG_LEVEL", "info"),
		ShutdownTimeout:      l.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxRequestBytes:      l.int64("MAX_REQUEST_BYTES", 32<<20),
		RedisAddr:            l.str("REDIS_ADDR", ""),
		PreviewTTL:           l.duration("PREVIEW_TTL", time.Hour),
		ClassifierAddr:       l.str("CLASSIFIER_ADDR", ""),
		ClassifyTimeout:      l.duration("CLASSIFY_TIMEOUT", 30*time.Second),
		MockFailureRate:      l.float("MOCK_FAILURE_RATE", 0),
		JWTSecret:            l.str("JWT_SECRET", "dev-secret"),
		JWTAudience:          l.str("JWT_AUDIENCE", ""),
		MaxSessions:          int(l.int64("MAX_SESSIONS", 1000)),
		SessionIdleTimeout:   l.duration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionSweepInterval: l.duration("SESSION_SWEEP_INTERVAL", time.Minute),
	}
	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BYTES must be positive"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("MAX_SESSIONS must be positive"))
	}
	if c.MockFailureRate < 0 || c.MockFailureRate > 1 {
		errs = append(errs, errors.New("MOCK_FAILURE_RATE must be within [0,1]"))
	}
	for name, d := range map[string]time.Duration{
		"SHUTDOWN_TIMEOUT":       c.ShutdownTimeout,
		"PREVIEW_TTL":            c.PreviewTTL,
		"SESSION_IDLE_TIMEOUT":   c.SessionIdleTimeout,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ClassifyTimeout < 0 {
		errs = append(errs, errors.New("CLASSIFY_TIMEOUT must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseFile reads a flat YAML mapping keyed by the environment variable
// names, e.g. "PREVIEW_TTL: 10m".
func ParseFile(r io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("%s: expected a scalar value", key)
		default:
			values[key] = fmt.Sprint(v)
		}
	}
	return values, nil
}

func layered(lookup func(string) string, fallback map[string]string) func(string) string {
	return func(key string) string {
		if value := lookup(key); value != "" {
			return value
		}
		return fallback[key]
	}
}

type loader struct {
	lookup func(string) string
	errs   []error
}

func (l *loader) str(key, fallback string) string {
	if value := l.lookup(key); value != "" {
		return value
	}
	return fallback
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	value := l.lookup(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (l *loader) int64(key string, fallback int64) int64 {
	value := l.lookup(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (l *loader) float(key string, fallback float64) float64 {
	value := l.lookup(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}
