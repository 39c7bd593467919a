// Package config loads process configuration. Values come from an optional
// YAML file (CHRONICLE_CONFIG) and environment variables; environment
// variables take precedence over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	strutil "chronicle/pkg/platform/strings"
)

// Storage backends for the history store.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Defaults for non-secret configuration.
const (
	DefaultAddr        = ":8080"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultMaxPageSize = 1000
	DefaultKafkaTopic  = "history.entries"
	DefaultHMACSecret  = "dev-hmac-secret-change-in-production"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr      string
	LogLevel  string
	LogFormat string
}

// Storage selects and locates the history store backend.
type Storage struct {
	Backend     string
	PostgresDSN string
	RedisURL    string
}

// Kafka locates the change-feed broker. The feed is off when Brokers is empty.
type Kafka struct {
	Brokers []string
	Topic   string
}

// History holds the settings of the history subsystem.
type History struct {
	Enabled        bool
	ReadPrincipals []string
	MaxPageSize    int
}

// Auth holds the secrets used to derive principals from credentials.
type Auth struct {
	HMACSecret string
	JWTSecret  string
}

// Config is the full process configuration.
type Config struct {
	Server  Server
	Storage Storage
	Kafka   Kafka
	History History
	Auth    Auth
}

var (
	ErrUnknownBackend     = errors.New("storage.backend must be one of memory, postgres, redis")
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required for the postgres backend")
	ErrMissingRedisURL    = errors.New("REDIS_URL is required for the redis backend")
	ErrInvalidPageSize    = errors.New("HISTORY_MAX_PAGE_SIZE must be a positive integer")
	ErrFeedNeedsPostgres  = errors.New("the kafka change feed requires the postgres backend")
)

// Load reads CHRONICLE_CONFIG (if set) and the environment.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CHRONICLE_CONFIG"))
}

// LoadFile reads configuration from path (optional) and the environment.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	maxPageSize, err := envInt("HISTORY_MAX_PAGE_SIZE", k, "history.max_page_size", DefaultMaxPageSize)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: Server{
			Addr:      envOr("CHRONICLE_ADDR", k, "addr", DefaultAddr),
			LogLevel:  envOr("CHRONICLE_LOG_LEVEL", k, "log_level", DefaultLogLevel),
			LogFormat: envOr("CHRONICLE_LOG_FORMAT", k, "log_format", DefaultLogFormat),
		},
		Storage: Storage{
			Backend:     envOr("CHRONICLE_STORAGE_BACKEND", k, "storage.backend", BackendMemory),
			PostgresDSN: envOr("DATABASE_URL", k, "postgres.dsn", ""),
			RedisURL:    envOr("REDIS_URL", k, "redis.url", ""),
		},
		Kafka: Kafka{
			Brokers: envList("KAFKA_BROKERS", k, "kafka.brokers"),
			Topic:   envOr("KAFKA_TOPIC", k, "kafka.topic", DefaultKafkaTopic),
		},
		History: History{
			Enabled:        envBool("HISTORY_ENABLED", k, "history.enabled", true),
			ReadPrincipals: envList("HISTORY_READ_PRINCIPALS", k, "history.read_principals"),
			MaxPageSize:    maxPageSize,
		},
		Auth: Auth{
			HMACSecret: envOr("AUTH_HMAC_SECRET", k, "auth.hmac_secret", DefaultHMACSecret),
			JWTSecret:  envOr("JWT_SECRET", k, "auth.jwt_secret", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			errs = append(errs, ErrMissingRedisURL)
		}
	default:
		errs = append(errs, ErrUnknownBackend)
	}
	if c.History.MaxPageSize <= 0 {
		errs = append(errs, ErrInvalidPageSize)
	}
	if len(c.Kafka.Brokers) > 0 && c.Storage.Backend != BackendPostgres {
		errs = append(errs, ErrFeedNeedsPostgres)
	}
	return errors.Join(errs...)
}

// FeedEnabled reports whether committed entries are relayed to Kafka.
func (c *Config) FeedEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func envOr(envKey string, k *koanf.Koanf, koanfKey, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if val := k.String(koanfKey); val != "" {
		return val
	}
	return defaultVal
}

func envInt(envKey string, k *koanf.Koanf, koanfKey string, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, ErrInvalidPageSize
		}
		return n, nil
	}
	if k.Exists(koanfKey) {
		return k.Int(koanfKey), nil
	}
	return defaultVal, nil
}

func envBool(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		result = true
	case "false", "0", "no", "off":
		result = false
	}
	return result
}

// envList reads a comma separated list from env, or a YAML list
// from the file.
func envList(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		return strutil.SplitList(val)
	}
	return strutil.DedupeAndTrim(k.Strings(koanfKey))
}
