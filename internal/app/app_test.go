package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/audit"
	"token-keeper/internal/circuitbreaker"
	"token-keeper/internal/config"
	"token-keeper/internal/storage/sqlite"
)

func testConfig(storage string) *config.Config {
	return &config.Config{
		TenantID:                "contoso",
		ClientID:                "client",
		ClientSecret:            "secret",
		RedirectURI:             "http://localhost:8080/oauth/callback",
		TokenURL:                "http://idp.invalid/token",
		AuthURL:                 "http://idp.invalid/authorize",
		Scopes:                  []string{"offline_access"},
		ProviderAPIBaseURL:      "http://api.invalid",
		ProviderCheckPath:       "/me",
		RefreshBuffer:           5 * time.Minute,
		RefreshMaxAttempts:      3,
		RequestMaxAttempts:      3,
		RefreshWaitTimeout:      time.Second,
		RateLimitMaxWait:        time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   time.Minute,
		StorageType:             storage,
		RedisPoolSize:           5,
		EncryptionKey:           "encryption-key",
		Port:                    "0",
		StateSigningSecret:      "0123456789abcdef0123456789abcdef",
		AdminRateBurst:          10,
		AuditBufferSize:         16,
	}
}

func TestNewWithMemoryStorage(t *testing.T) {
	a, err := New(testConfig(config.StorageMemory))
	require.NoError(t, err)
	defer a.Cleanup()

	assert.Nil(t, a.RedisClient)
	assert.Nil(t, a.Scheduler)
	assert.Nil(t, a.asyncAudit)
	assert.IsType(t, &audit.MemorySink{}, a.events)

	snapshots := a.Breakers.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, circuitbreaker.ResourceAPI, snapshots[0].Name)
	assert.Equal(t, circuitbreaker.TokenEndpoint, snapshots[1].Name)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tokens/alice", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, a.Shutdown(context.Background()))
}

func TestNewWithRedisStorageAndLocks(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(config.StorageRedis)
	cfg.RedisAddress = mr.Addr()
	cfg.DistributedLocks = true

	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Cleanup()

	require.NotNil(t, a.RedisClient)
	assert.Contains(t, a.healthChecks, "redis")
	assert.NotNil(t, a.asyncAudit)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Shutdown(context.Background()))
}

func TestNewWithSQLiteStorage(t *testing.T) {
	cfg := testConfig(config.StorageSQLite)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "tokens.db")
	cfg.ProactiveRefreshSchedule = "@every 1h"
	cfg.ProactiveRefreshLookahead = 10 * time.Minute

	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Cleanup()

	assert.IsType(t, &sqlite.Store{}, a.events)
	assert.Contains(t, a.healthChecks, "database")
	require.NotNil(t, a.Scheduler)

	a.Start()
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(config.StorageMemory)
	cfg.ProactiveRefreshSchedule = "not a schedule"

	_, err := New(cfg)
	assert.Error(t, err)
}
