// Package config loads token-keeper's configuration from environment variables.
//
// Load never fails: malformed values are remembered and reported by Validate,
// which the application calls before wiring anything.
//
// Provider:
//   - OAUTH_TENANT_ID, OAUTH_CLIENT_ID, OAUTH_CLIENT_SECRET (required)
//   - OAUTH_REDIRECT_URI: callback registered with the provider
//   - OAUTH_AUTHORITY_URL: default https://login.microsoftonline.com
//   - OAUTH_TOKEN_URL, OAUTH_AUTH_URL: override the tenant-derived endpoints
//   - OAUTH_SCOPES: space or comma separated
//   - PROVIDER_API_BASE_URL: resource API root (default https://graph.microsoft.com/v1.0)
//   - PROVIDER_API_CHECK_PATH: resource called by the admin token check (default /me)
//
// Resilience:
//   - TOKEN_REFRESH_BUFFER (5m), TOKEN_REFRESH_MAX_ATTEMPTS (3), REQUEST_MAX_ATTEMPTS (3)
//   - REFRESH_WAIT_TIMEOUT (30s), RATE_LIMIT_MAX_WAIT (5m)
//   - CIRCUIT_BREAKER_THRESHOLD (5), CIRCUIT_BREAKER_TIMEOUT (60s)
//   - PROVIDER_RATE_LIMIT (requests per second, 0 disables), PROVIDER_RATE_BURST (10)
//
// Storage:
//   - STORAGE_TYPE: memory, sqlite, postgres or redis (default sqlite)
//   - DATABASE_PATH (./token_keeper.db), POSTGRES_DSN
//   - REDIS_ADDRESS (localhost:6379), REDIS_PASSWORD, REDIS_DB (0), REDIS_POOL_SIZE (10)
//   - DISTRIBUTED_LOCKS: serialise refreshes across processes through redis (default false)
//   - TOKEN_ENCRYPTION_KEY (required), TOKEN_ENCRYPTION_PREVIOUS_KEYS (comma separated)
//
// Server and background work:
//   - PORT (8080), TLS_CERT_FILE, TLS_KEY_FILE
//   - STATE_SIGNING_SECRET (required, 32+ characters)
//   - ADMIN_API_KEY: bearer key for /api routes (empty leaves them open)
//   - ADMIN_RATE_LIMIT (per client requests per second, default 5, 0 disables), ADMIN_RATE_BURST (20)
//   - METRICS_ENABLED (true), AUDIT_BUFFER_SIZE (1024)
//   - PROACTIVE_REFRESH_SCHEDULE (@every 1m, empty disables), PROACTIVE_REFRESH_LOOKAHEAD (10m)
//   - LOG_LEVEL, LOG_FORMAT, LOG_FILE are read by the logging package
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"token-keeper/internal/common/utils"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config holds all configuration values for token-keeper.
type Config struct {
	// Provider
	TenantID           string
	ClientID           string
	ClientSecret       string
	RedirectURI        string
	AuthorityURL       string
	TokenURL           string
	AuthURL            string
	Scopes             []string
	ProviderAPIBaseURL string
	ProviderCheckPath  string

	// Resilience
	RefreshBuffer           time.Duration
	RefreshMaxAttempts      int
	RequestMaxAttempts      int
	RefreshWaitTimeout      time.Duration
	RateLimitMaxWait        time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	ProviderRateLimit       float64
	ProviderRateBurst       int

	// Storage
	StorageType            string
	DatabasePath           string
	PostgresDSN            string
	RedisAddress           string
	RedisPassword          string
	RedisDB                int
	RedisPoolSize          int
	DistributedLocks       bool
	EncryptionKey          string
	PreviousEncryptionKeys []string

	// Server and background work
	Port                      string
	TLSCertFile               string
	TLSKeyFile                string
	StateSigningSecret        string
	AdminAPIKey               string
	AdminRateLimit            float64
	AdminRateBurst            int
	MetricsEnabled            bool
	AuditBufferSize           int
	ProactiveRefreshSchedule  string
	ProactiveRefreshLookahead time.Duration

	loadErrs []error
}

// Load creates a Config from environment variables, applying defaults for unset keys.
func Load() *Config {
	c := &Config{
		TenantID:           getEnv("OAUTH_TENANT_ID", ""),
		ClientID:           getEnv("OAUTH_CLIENT_ID", ""),
		ClientSecret:       getEnv("OAUTH_CLIENT_SECRET", ""),
		RedirectURI:        getEnv("OAUTH_REDIRECT_URI", "http://localhost:8080/oauth/callback"),
		AuthorityURL:       strings.TrimRight(getEnv("OAUTH_AUTHORITY_URL", "https://login.microsoftonline.com"), "/"),
		TokenURL:           getEnv("OAUTH_TOKEN_URL", ""),
		AuthURL:            getEnv("OAUTH_AUTH_URL", ""),
		Scopes:             splitList(getEnv("OAUTH_SCOPES", "offline_access User.Read")),
		ProviderAPIBaseURL: strings.TrimRight(getEnv("PROVIDER_API_BASE_URL", "https://graph.microsoft.com/v1.0"), "/"),
		ProviderCheckPath:  getEnv("PROVIDER_API_CHECK_PATH", "/me"),

		StorageType:            strings.ToLower(getEnv("STORAGE_TYPE", StorageSQLite)),
		DatabasePath:           getEnv("DATABASE_PATH", "./token_keeper.db"),
		PostgresDSN:            getEnv("POSTGRES_DSN", ""),
		RedisAddress:           getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		DistributedLocks:       getBoolEnv("DISTRIBUTED_LOCKS", false),
		EncryptionKey:          getEnv("TOKEN_ENCRYPTION_KEY", ""),
		PreviousEncryptionKeys: splitList(getEnv("TOKEN_ENCRYPTION_PREVIOUS_KEYS", "")),

		Port:                     getEnv("PORT", "8080"),
		TLSCertFile:              getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:               getEnv("TLS_KEY_FILE", ""),
		StateSigningSecret:       getEnv("STATE_SIGNING_SECRET", ""),
		AdminAPIKey:              getEnv("ADMIN_API_KEY", ""),
		MetricsEnabled:           getBoolEnv("METRICS_ENABLED", true),
		ProactiveRefreshSchedule: os.Getenv("PROACTIVE_REFRESH_SCHEDULE"),
	}
	if _, set := os.LookupEnv("PROACTIVE_REFRESH_SCHEDULE"); !set {
		c.ProactiveRefreshSchedule = "@every 1m"
	}

	c.RefreshBuffer = c.duration("TOKEN_REFRESH_BUFFER", 5*time.Minute)
	c.RefreshWaitTimeout = c.duration("REFRESH_WAIT_TIMEOUT", 30*time.Second)
	c.RateLimitMaxWait = c.duration("RATE_LIMIT_MAX_WAIT", 5*time.Minute)
	c.CircuitBreakerTimeout = c.duration("CIRCUIT_BREAKER_TIMEOUT", 60*time.Second)
	c.ProactiveRefreshLookahead = c.duration("PROACTIVE_REFRESH_LOOKAHEAD", 10*time.Minute)

	c.RefreshMaxAttempts = c.integer("TOKEN_REFRESH_MAX_ATTEMPTS", 3)
	c.RequestMaxAttempts = c.integer("REQUEST_MAX_ATTEMPTS", 3)
	c.CircuitBreakerThreshold = c.integer("CIRCUIT_BREAKER_THRESHOLD", 5)
	c.ProviderRateBurst = c.integer("PROVIDER_RATE_BURST", 10)
	c.RedisDB = c.integer("REDIS_DB", 0)
	c.RedisPoolSize = c.integer("REDIS_POOL_SIZE", 10)
	c.AuditBufferSize = c.integer("AUDIT_BUFFER_SIZE", 1024)
	c.AdminRateBurst = c.integer("ADMIN_RATE_BURST", 20)

	c.ProviderRateLimit = c.float("PROVIDER_RATE_LIMIT", 0)
	c.AdminRateLimit = c.float("ADMIN_RATE_LIMIT", 5)

	return c
}

// TokenEndpoint returns the provider token URL, derived from the tenant unless overridden.
func (c *Config) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.AuthorityURL, c.TenantID)
}

// AuthEndpoint returns the provider authorization URL, derived from the tenant unless overridden.
func (c *Config) AuthEndpoint() string {
	if c.AuthURL != "" {
		return c.AuthURL
	}
	return fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", c.AuthorityURL, c.TenantID)
}

// Validate checks presence of required values and the ranges of numeric ones.
func (c *Config) Validate() error {
	if len(c.loadErrs) > 0 {
		return c.loadErrs[0]
	}

	if c.TenantID == "" && c.TokenURL == "" {
		return fmt.Errorf("OAUTH_TENANT_ID environment variable is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID environment variable is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("OAUTH_CLIENT_SECRET environment variable is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY environment variable is required")
	}
	if len(c.StateSigningSecret) < 32 {
		return fmt.Errorf("STATE_SIGNING_SECRET must be at least 32 characters long")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	if c.RefreshMaxAttempts < 1 {
		return fmt.Errorf("TOKEN_REFRESH_MAX_ATTEMPTS must be at least 1")
	}
	if c.RequestMaxAttempts < 1 {
		return fmt.Errorf("REQUEST_MAX_ATTEMPTS must be at least 1")
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be at least 1")
	}
	if c.CircuitBreakerTimeout <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_TIMEOUT must be positive")
	}
	if c.RefreshBuffer < 0 {
		return fmt.Errorf("TOKEN_REFRESH_BUFFER must not be negative")
	}
	if c.ProviderRateLimit < 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT must not be negative")
	}
	if c.AdminRateLimit < 0 {
		return fmt.Errorf("ADMIN_RATE_LIMIT must not be negative")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	switch c.StorageType {
	case StorageMemory, StorageSQLite, StorageRedis:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORAGE_TYPE is postgres")
		}
	default:
		return fmt.Errorf("STORAGE_TYPE must be one of memory, sqlite, postgres, redis")
	}

	if c.usesRedis() {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when redis is in use")
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if c.RedisPoolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	return nil
}

// UsesRedis reports whether any component needs a redis connection.
func (c *Config) UsesRedis() bool {
	return c.usesRedis()
}

func (c *Config) usesRedis() bool {
	return c.StorageType == StorageRedis || c.DistributedLocks
}

func (c *Config) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := utils.ParseDuration(value)
	if err != nil {
		c.loadErrs = append(c.loadErrs, fmt.Errorf("%s must be a valid duration (e.g. '30s', '5m'): %w", key, err))
		return defaultValue
	}
	return d
}

func (c *Config) integer(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		c.loadErrs = append(c.loadErrs, fmt.Errorf("%s must be an integer: %w", key, err))
		return defaultValue
	}
	return n
}

func (c *Config) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.loadErrs = append(c.loadErrs, fmt.Errorf("%s must be a number: %w", key, err))
		return defaultValue
	}
	return f
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
