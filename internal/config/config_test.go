package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OAUTH_TENANT_ID", "contoso")
	t.Setenv("OAUTH_CLIENT_ID", "client")
	t.Setenv("OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("TOKEN_ENCRYPTION_KEY", "encryption-key")
	t.Setenv("STATE_SIGNING_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)

	c := Load()
	require.NoError(t, c.Validate())

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, StorageSQLite, c.StorageType)
	assert.Equal(t, 5*time.Minute, c.RefreshBuffer)
	assert.Equal(t, 3, c.RefreshMaxAttempts)
	assert.Equal(t, 3, c.RequestMaxAttempts)
	assert.Equal(t, 30*time.Second, c.RefreshWaitTimeout)
	assert.Equal(t, 5*time.Minute, c.RateLimitMaxWait)
	assert.Equal(t, 5, c.CircuitBreakerThreshold)
	assert.Equal(t, 60*time.Second, c.CircuitBreakerTimeout)
	assert.Equal(t, "@every 1m", c.ProactiveRefreshSchedule)
	assert.Equal(t, []string{"offline_access", "User.Read"}, c.Scopes)
	assert.False(t, c.UsesRedis())
	assert.Equal(t, 5.0, c.AdminRateLimit)
	assert.Equal(t, 20, c.AdminRateBurst)
	assert.Empty(t, c.AdminAPIKey)

	assert.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/token", c.TokenEndpoint())
	assert.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/authorize", c.AuthEndpoint())
}

func TestLoadOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("OAUTH_TOKEN_URL", "http://idp.local/token")
	t.Setenv("TOKEN_REFRESH_BUFFER", "2m")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "2")
	t.Setenv("STORAGE_TYPE", "Redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("TOKEN_ENCRYPTION_PREVIOUS_KEYS", "old1, old2")
	t.Setenv("PROACTIVE_REFRESH_SCHEDULE", "")
	t.Setenv("PROVIDER_RATE_LIMIT", "2.5")

	c := Load()
	require.NoError(t, c.Validate())

	assert.Equal(t, "http://idp.local/token", c.TokenEndpoint())
	assert.Equal(t, 2*time.Minute, c.RefreshBuffer)
	assert.Equal(t, 2, c.CircuitBreakerThreshold)
	assert.Equal(t, StorageRedis, c.StorageType)
	assert.Equal(t, 3, c.RedisDB)
	assert.Equal(t, []string{"old1", "old2"}, c.PreviousEncryptionKeys)
	assert.Empty(t, c.ProactiveRefreshSchedule)
	assert.Equal(t, 2.5, c.ProviderRateLimit)
	assert.True(t, c.UsesRedis())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing client id", map[string]string{"OAUTH_CLIENT_ID": ""}, "OAUTH_CLIENT_ID"},
		{"missing encryption key", map[string]string{"TOKEN_ENCRYPTION_KEY": ""}, "TOKEN_ENCRYPTION_KEY"},
		{"short state secret", map[string]string{"STATE_SIGNING_SECRET": "short"}, "STATE_SIGNING_SECRET"},
		{"bad port", map[string]string{"PORT": "99999"}, "PORT"},
		{"bad duration", map[string]string{"REFRESH_WAIT_TIMEOUT": "soon"}, "REFRESH_WAIT_TIMEOUT"},
		{"bad integer", map[string]string{"REQUEST_MAX_ATTEMPTS": "three"}, "REQUEST_MAX_ATTEMPTS"},
		{"zero threshold", map[string]string{"CIRCUIT_BREAKER_THRESHOLD": "0"}, "CIRCUIT_BREAKER_THRESHOLD"},
		{"unknown storage", map[string]string{"STORAGE_TYPE": "mongo"}, "STORAGE_TYPE"},
		{"postgres without dsn", map[string]string{"STORAGE_TYPE": "postgres"}, "POSTGRES_DSN"},
		{"bad rate", map[string]string{"ADMIN_RATE_LIMIT": "fast"}, "ADMIN_RATE_LIMIT"},
		{"cert without key", map[string]string{"TLS_CERT_FILE": "cert.pem"}, "TLS_KEY_FILE"},
		{"redis db range", map[string]string{"STORAGE_TYPE": "redis", "REDIS_DB": "16"}, "REDIS_DB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setValidEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			err := Load().Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
