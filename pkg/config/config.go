package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-records.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3450"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// MigrationsPath is the directory holding the SQL migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	SchemaCache SchemaCacheConfig `yaml:"schema_cache"`
	Query       QueryConfig       `yaml:"query"`
	Write       WriteConfig       `yaml:"write"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an auth server.
	// Defaults to true in newConfig so that an explicit YAML false is kept.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// Audience, when set, must appear in every token's aud claim.
	Audience string `yaml:"audience" env:"AUTH_AUDIENCE" env-default:""`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_records"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MinConnections int32  `yaml:"min_connections" env:"PGMIN_CONNECTIONS" env-default:"2"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration for the shared schema cache tier.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Schema cache backends.
const (
	SchemaCacheMemory = "memory"
	SchemaCacheRedis  = "redis"
)

// SchemaCacheConfig controls entity-definition metadata caching.
type SchemaCacheConfig struct {
	// Backend is "memory" (per process) or "redis" (shared between processes).
	Backend string        `yaml:"backend" env:"SCHEMA_CACHE_BACKEND" env-default:"memory"`
	TTL     time.Duration `yaml:"ttl" env:"SCHEMA_CACHE_TTL" env-default:"5m"`
	// KeyPrefix namespaces keys in a shared Redis.
	KeyPrefix string `yaml:"key_prefix" env:"SCHEMA_CACHE_KEY_PREFIX" env-default:"ekaya-records:schema:"`
}

// QueryConfig holds list-query normalization bounds.
type QueryConfig struct {
	// MinLimit replaces a missing or non-positive page size.
	MinLimit int `yaml:"min_limit" env:"QUERY_MIN_LIMIT" env-default:"10"`
	// MaxLimit caps the page size. 0 disables the cap.
	MaxLimit int `yaml:"max_limit" env:"QUERY_MAX_LIMIT" env-default:"100"`
}

// WriteConfig controls retries of the transactional write path.
type WriteConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"WRITE_MAX_RETRIES" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"WRITE_INITIAL_DELAY" env-default:"50ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"WRITE_MAX_DELAY" env-default:"2s"`
}

// Load reads configuration from the given YAML file with environment variable overrides.
// An empty path reads config.yaml. The version parameter is injected at build time.
func Load(path, version string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	cfg := newConfig(version)

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv reads configuration from environment variables only.
// Used when no config file is present (containers, tests).
func LoadFromEnv(version string) (*Config, error) {
	cfg := newConfig(version)
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newConfig returns a Config holding the defaults that cannot be expressed
// as env-default tags.
func newConfig(version string) *Config {
	return &Config{
		Version: version,
		Auth:    AuthConfig{EnableVerification: true},
	}
}

func (c *Config) finalize() error {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)
	c.applyDockerHosts(InDocker())

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.BaseURL == "" {
		c.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + c.Port,
		}).String()
	}
	return nil
}

func (c *Config) validate() error {
	switch c.SchemaCache.Backend {
	case SchemaCacheMemory:
	case SchemaCacheRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("schema_cache.backend=redis requires redis.host")
		}
	default:
		return fmt.Errorf("unknown schema_cache.backend %q", c.SchemaCache.Backend)
	}

	if c.SchemaCache.TTL <= 0 {
		return fmt.Errorf("schema_cache.ttl must be positive")
	}
	if c.Query.MinLimit <= 0 {
		return fmt.Errorf("query.min_limit must be positive")
	}
	if c.Query.MaxLimit > 0 && c.Query.MaxLimit < c.Query.MinLimit {
		return fmt.Errorf("query.max_limit must not be below query.min_limit")
	}
	if c.Auth.EnableVerification && len(c.Auth.JWKSEndpoints) == 0 {
		return fmt.Errorf("auth.enable_verification requires auth.jwks_endpoints")
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
