// Package config loads the Twis runtime settings from the environment,
// applies defaults, and normalizes values before the server uses them.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	defaultPort           = 3002
	defaultStorePath      = "data/twis"
	defaultMaxMessageSize = 4096
	defaultHistoryLimit   = 100
	defaultSessionTTL     = 24 * time.Hour
	defaultShutdown       = 10 * time.Second
)

// Config holds the server configuration settings.
type Config struct {
	Host            string        `env:"HOST"`
	Port            int           `env:"PORT,default=3002"`
	StorePath       string        `env:"STORE_PATH,default=data/twis"`
	StoreInMemory   bool          `env:"STORE_IN_MEMORY,default=false"`
	RawOrigins      string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	HistoryLimit    int           `env:"HISTORY_LIMIT,default=100"`
	SessionSecret   string        `env:"SESSION_SECRET"`
	SessionTTL      time.Duration `env:"SESSION_TTL,default=24h"`
	RequireSession  bool          `env:"REQUIRE_SESSION,default=false"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=console"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// Derived from RawOrigins by sanitize. AllowAllOrigins is set when the
	// list contains "*".
	AllowedOrigins  []string
	AllowAllOrigins bool
	InvalidOrigins  []string
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return sanitize(Config{
		Port:            defaultPort,
		StorePath:       defaultStorePath,
		MaxMessageSize:  defaultMaxMessageSize,
		HistoryLimit:    defaultHistoryLimit,
		SessionTTL:      defaultSessionTTL,
		LogLevel:        "info",
		LogFormat:       "console",
		ShutdownTimeout: defaultShutdown,
	})
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return sanitize(cfg), nil
}

// LoadFrom builds a Config from explicit KEY=VALUE pairs instead of the
// process environment.
func LoadFrom(environ []string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}

	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return sanitize(cfg), nil
}

// Addr renders the listen address for http.Server.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func sanitize(cfg Config) Config {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = defaultPort
	}

	if strings.TrimSpace(cfg.StorePath) == "" {
		cfg.StorePath = defaultStorePath
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdown
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	cfg.AllowedOrigins, cfg.InvalidOrigins, cfg.AllowAllOrigins = normalizeOrigins(parseOrigins(cfg.RawOrigins))
	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return lo.Compact(parts)
}

func normalizeOrigins(origins []string) (normalized, invalid []string, allowAll bool) {
	if len(origins) == 0 {
		return nil, nil, false
	}

	normalized = make([]string, 0, len(origins))

	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := NormalizeOrigin(origin)
		if !ok {
			invalid = append(invalid, origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return lo.Uniq(normalized), invalid, allowAll
}

// NormalizeOrigin lowercases the scheme and host of an origin and drops any
// path. It reports false when the value is not an absolute URL.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
