package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/audit"
	"token-keeper/internal/circuitbreaker"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/common/utils"
	"token-keeper/internal/metrics"
	"token-keeper/internal/oauth2"
	"token-keeper/internal/ratelimit"
)

type stubExchanger struct {
	mu    sync.Mutex
	resp  *oauth2.TokenResponse
	err   error
	calls int
}

func (s *stubExchanger) RefreshToken(_ context.Context, _ string) (*oauth2.TokenResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.resp
	return &resp, nil
}

type fakeAuthorizer struct {
	resp  *oauth2.TokenResponse
	err   error
	codes []string
}

func (f *fakeAuthorizer) AuthCodeURL(state string) string {
	return "https://idp.test/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeAuthorizer) Exchange(_ context.Context, code string) (*oauth2.TokenResponse, error) {
	f.codes = append(f.codes, code)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fixture struct {
	router     *mux.Router
	store      *oauth2.MemoryTokenStore
	exchanger  *stubExchanger
	authorizer *fakeAuthorizer
	breakers   *circuitbreaker.Registry
	sink       *audit.MemorySink
	states     *StateSigner
}

func newFixture(t *testing.T, opts RouteOptions, mutate ...func(*Dependencies)) *fixture {
	t.Helper()
	logger := logging.NewNopLogger()

	f := &fixture{
		store:      oauth2.NewMemoryTokenStore(),
		exchanger:  &stubExchanger{resp: &oauth2.TokenResponse{AccessToken: "fresh-access", TokenType: "Bearer", ExpiresIn: time.Hour}},
		authorizer: &fakeAuthorizer{resp: &oauth2.TokenResponse{AccessToken: "issued-access", RefreshToken: "issued-refresh", TokenType: "Bearer", ExpiresIn: time.Hour}},
		breakers:   circuitbreaker.NewRegistry(logger, nil),
		sink:       audit.NewMemorySink(0),
		states:     NewStateSigner(testSecret, time.Minute),
	}
	f.breakers.GetOrCreate(circuitbreaker.TokenEndpoint, circuitbreaker.DefaultConfig())
	f.breakers.GetOrCreate(circuitbreaker.ResourceAPI, circuitbreaker.DefaultConfig())

	sleeps := &utils.SleepRecorder{}
	refresher := oauth2.NewRefresher(f.exchanger,
		oauth2.WithRefreshSleeper(sleeps.Sleep),
		oauth2.WithRefreshAudit(f.sink),
		oauth2.WithRefreshLogger(logger))
	coordinator := oauth2.NewCoordinator(f.store, refresher,
		oauth2.WithCoordinatorAudit(f.sink),
		oauth2.WithCoordinatorLogger(logger))

	deps := Dependencies{
		Coordinator: coordinator,
		Breakers:    f.breakers,
		Authorizer:  f.authorizer,
		States:      f.states,
		Events:      f.sink,
		Audit:       f.sink,
		Logger:      logger,
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.router = NewRouter(NewHandlers(deps), opts)
	return f
}

func (f *fixture) seed(t *testing.T, principal string) *oauth2.Token {
	t.Helper()
	tok := &oauth2.Token{
		PrincipalID:  principal,
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
		TokenType:    "Bearer",
		Scope:        "mail.read",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, f.store.Save(context.Background(), tok))
	return tok
}

func (f *fixture) do(method, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRoutes(t *testing.T) {
	f := newFixture(t, RouteOptions{})
	assert.Equal(t, []string{
		"DELETE /api/tokens/{principal}",
		"GET /api/breakers",
		"GET /api/tokens/{principal}",
		"GET /api/tokens/{principal}/events",
		"GET /api/tokens/{principal}/check",
		"GET /health",
		"GET /metrics",
		"GET /oauth/callback",
		"GET /oauth/connect",
		"POST /api/breakers/{name}/reset",
		"POST /api/tokens/{principal}/refresh",
	}, Routes(f.router))
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, RouteOptions{}, func(d *Dependencies) {
			d.HealthChecks = map[string]HealthCheck{"store": func(context.Context) error { return nil }}
		})
		rec := f.do(http.MethodGet, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[map[string]interface{}](t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, map[string]interface{}{"store": "ok"}, body["checks"])
		assert.Equal(t, map[string]interface{}{
			circuitbreaker.ResourceAPI:   "closed",
			circuitbreaker.TokenEndpoint: "closed",
		}, body["breakers"])
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("failing dependency", func(t *testing.T) {
		f := newFixture(t, RouteOptions{}, func(d *Dependencies) {
			d.HealthChecks = map[string]HealthCheck{
				"store": func(context.Context) error { return nil },
				"redis": func(context.Context) error { return stderrors.New("connection refused") },
			}
		})
		rec := f.do(http.MethodGet, "/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		body := decode[map[string]interface{}](t, rec)
		assert.Equal(t, "unhealthy", body["status"])
		assert.Equal(t, "connection refused", body["checks"].(map[string]interface{})["redis"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/metrics").Code)
	})

	t.Run("enabled", func(t *testing.T) {
		m := metrics.NewMetrics(nil)
		m.RecordRefresh("success", 1, time.Second)
		f := newFixture(t, RouteOptions{}, func(d *Dependencies) { d.Metrics = m.Handler() })

		rec := f.do(http.MethodGet, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "token_keeper_refresh_total")
	})
}

func TestBreakers(t *testing.T) {
	f := newFixture(t, RouteOptions{})

	rec := f.do(http.MethodGet, "/api/breakers")
	require.Equal(t, http.StatusOK, rec.Code)
	snapshots := decode[[]circuitbreaker.Snapshot](t, rec)
	require.Len(t, snapshots, 2)
	assert.Equal(t, circuitbreaker.ResourceAPI, snapshots[0].Name)
	assert.Equal(t, circuitbreaker.TokenEndpoint, snapshots[1].Name)

	t.Run("reset", func(t *testing.T) {
		b, _ := f.breakers.Get(circuitbreaker.TokenEndpoint)
		for i := 0; i < circuitbreaker.DefaultConfig().Threshold; i++ {
			_ = b.Execute(context.Background(), func(context.Context) error { return stderrors.New("boom") })
		}
		require.True(t, b.IsOpen())

		rec := f.do(http.MethodPost, "/api/breakers/"+circuitbreaker.TokenEndpoint+"/reset")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "closed", decode[circuitbreaker.Snapshot](t, rec).State)
		assert.False(t, b.IsOpen())
		assert.Len(t, f.sink.Named("circuit_breaker_reset"), 1)
	})

	t.Run("reset unknown", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/breakers/nope/reset").Code)
	})
}

func TestGetToken(t *testing.T) {
	f := newFixture(t, RouteOptions{})
	seeded := f.seed(t, "p1")

	rec := f.do(http.MethodGet, "/api/tokens/p1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-access")
	assert.NotContains(t, rec.Body.String(), "secret-refresh")

	view := decode[TokenView](t, rec)
	assert.Equal(t, seeded.ID, view.ID)
	assert.Equal(t, "p1", view.PrincipalID)
	assert.Equal(t, "mail.read", view.Scope)
	assert.True(t, view.CanRefresh)
	assert.False(t, view.Expired)
	assert.False(t, view.Revoked)
	assert.InDelta(t, 3600, view.ExpiresInSeconds, 5)

	t.Run("unknown principal", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/tokens/nobody")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error, "not found")
	})
}

func TestRefreshToken(t *testing.T) {
	t.Run("refreshes a valid token", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		f.seed(t, "p1")

		rec := f.do(http.MethodPost, "/api/tokens/p1/refresh")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "fresh-access")
		assert.Equal(t, 1, f.exchanger.calls)

		stored, err := f.store.Latest(context.Background(), "p1")
		require.NoError(t, err)
		assert.Equal(t, "fresh-access", stored.AccessToken)
		assert.Equal(t, "secret-refresh", stored.RefreshToken)
	})

	t.Run("rejected refresh credential", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		f.seed(t, "p1")
		f.exchanger.err = oauth2.ClassifyHTTP(http.StatusBadRequest, []byte(`{"error":"invalid_grant"}`), nil)

		rec := f.do(http.MethodPost, "/api/tokens/p1/refresh")
		require.Equal(t, http.StatusConflict, rec.Code)
		body := decode[ErrorResponse](t, rec)
		assert.Equal(t, "invalid_refresh_token", body.Kind)
		assert.True(t, body.RequiresReauthentication)
	})

	t.Run("unknown principal", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/tokens/nobody/refresh").Code)
		assert.Zero(t, f.exchanger.calls)
	})
}

func TestRevokeToken(t *testing.T) {
	f := newFixture(t, RouteOptions{})
	f.seed(t, "p1")

	rec := f.do(http.MethodDelete, "/api/tokens/p1?reason=offboarding")
	require.Equal(t, http.StatusNoContent, rec.Code)

	view := decode[TokenView](t, f.do(http.MethodGet, "/api/tokens/p1"))
	assert.True(t, view.Revoked)
	assert.True(t, view.Expired)
	assert.False(t, view.CanRefresh)
	require.NotNil(t, view.RevokedAt)

	revoked := f.sink.Named("token_revoked")
	require.Len(t, revoked, 1)
	assert.Equal(t, "offboarding", revoked[0].Details["reason"])

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/tokens/p1").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/tokens/nobody").Code)

	t.Run("refresh after revocation needs reauthentication", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/tokens/p1/refresh")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "access_revoked", decode[ErrorResponse](t, rec).Kind)
	})
}

func TestListEvents(t *testing.T) {
	f := newFixture(t, RouteOptions{})
	f.seed(t, "p1")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/tokens/p1/refresh").Code)
	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/tokens/p1").Code)

	rec := f.do(http.MethodGet, "/api/tokens/p1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]audit.Event](t, rec)
	require.NotEmpty(t, events)
	assert.Equal(t, "token_revoked", events[0].Name)

	limited := decode[[]audit.Event](t, f.do(http.MethodGet, "/api/tokens/p1/events?limit=1"))
	assert.Len(t, limited, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/tokens/p1/events?limit=zero").Code)
	assert.Equal(t, "[]\n", f.do(http.MethodGet, "/api/tokens/nobody/events").Body.String())

	t.Run("without reader", func(t *testing.T) {
		f := newFixture(t, RouteOptions{}, func(d *Dependencies) { d.Events = nil })
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/tokens/p1/events").Code)
	})
}

func TestConnect(t *testing.T) {
	f := newFixture(t, RouteOptions{})

	t.Run("redirects with signed state", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/oauth/connect?principal=p9")
		require.Equal(t, http.StatusFound, rec.Code)

		location, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "idp.test", location.Host)

		principal, err := f.states.Verify(location.Query().Get("state"))
		require.NoError(t, err)
		assert.Equal(t, "p9", principal)
		assert.Len(t, f.sink.Named("authorization_started"), 1)
	})

	t.Run("requires principal", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/oauth/connect").Code)
	})
}

func TestCallback(t *testing.T) {
	callback := func(state, extra string) string {
		return "/oauth/callback?state=" + url.QueryEscape(state) + extra
	}

	t.Run("stores the issued token", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		state, err := f.states.Issue("p9")
		require.NoError(t, err)

		rec := f.do(http.MethodGet, callback(state, "&code=auth-code"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "issued-access")
		assert.Equal(t, []string{"auth-code"}, f.authorizer.codes)

		stored, err := f.store.Latest(context.Background(), "p9")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, "issued-access", stored.AccessToken)
		assert.Equal(t, "issued-refresh", stored.RefreshToken)
		assert.Len(t, f.sink.Named("token_issued"), 1)
	})

	t.Run("newest grant replaces a revoked token", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		f.seed(t, "p9")
		require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/tokens/p9").Code)

		state, err := f.states.Issue("p9")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, f.do(http.MethodGet, callback(state, "&code=c")).Code)

		view := decode[TokenView](t, f.do(http.MethodGet, "/api/tokens/p9"))
		assert.False(t, view.Revoked)
		assert.True(t, view.CanRefresh)
	})

	t.Run("invalid state", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		rec := f.do(http.MethodGet, callback("forged", "&code=c"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.authorizer.codes)
	})

	t.Run("provider denied consent", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		state, err := f.states.Issue("p9")
		require.NoError(t, err)

		rec := f.do(http.MethodGet, callback(state, "&error=access_denied&error_description=user+declined"))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "access_denied", decode[map[string]string](t, rec)["error"])
		assert.Empty(t, f.authorizer.codes)

		denied := f.sink.Named("authorization_denied")
		require.Len(t, denied, 1)
		assert.Equal(t, "p9", denied[0].PrincipalID)
	})

	t.Run("token endpoint breaker open", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		f.authorizer.err = fmt.Errorf("%s: %w", circuitbreaker.TokenEndpoint, circuitbreaker.ErrOpen)
		state, err := f.states.Issue("p9")
		require.NoError(t, err)

		assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, callback(state, "&code=c")).Code)
	})
}

func TestAPIKeyProtectsAdminRoutes(t *testing.T) {
	f := newFixture(t, RouteOptions{APIKey: "admin-key"})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/breakers").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/breakers", "Authorization", "Bearer admin-key").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusFound, f.do(http.MethodGet, "/oauth/connect?principal=p1").Code)
}

func TestRateLimitedRoutes(t *testing.T) {
	f := newFixture(t, RouteOptions{Limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.01, Burst: 1})})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/breakers").Code)
	rec := f.do(http.MethodGet, "/api/breakers")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health stays reachable for liveness checks.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health").Code)
}

func TestDescribeError(t *testing.T) {
	rateLimited := oauth2.ClassifyHTTP(http.StatusTooManyRequests, nil, http.Header{"Retry-After": []string{"30"}})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"not found", errors.NotFoundError("token"), http.StatusNotFound, ""},
		{"validation", errors.ValidationError("principal is required"), http.StatusBadRequest, ""},
		{"storage", errors.StorageError("disk full", stderrors.New("io")), http.StatusInternalServerError, ""},
		{"open circuit", fmt.Errorf("x: %w", circuitbreaker.ErrOpen), http.StatusServiceUnavailable, ""},
		{"rate limit", rateLimited, http.StatusTooManyRequests, "rate_limit"},
		{"invalid grant", oauth2.ClassifyHTTP(http.StatusBadRequest, []byte(`{"error":"invalid_grant"}`), nil), http.StatusConflict, "invalid_refresh_token"},
		{"misconfigured client", oauth2.ClassifyHTTP(http.StatusUnauthorized, []byte(`{"error":"invalid_client"}`), nil), http.StatusInternalServerError, "configuration_error"},
		{"provider outage", oauth2.ClassifyHTTP(http.StatusServiceUnavailable, nil, nil), http.StatusBadGateway, "server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := describeError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantKind, body.Kind)
		})
	}

	_, body := describeError(rateLimited)
	assert.Equal(t, 30, body.RetryAfterSeconds)

	_, body = describeError(errors.InternalError("boom", stderrors.New("secret detail")))
	assert.False(t, strings.Contains(body.Error, "secret detail"))
}

type fakeResourceClient struct {
	resp  *oauth2.Response
	err   error
	paths []string
}

func (c *fakeResourceClient) Get(_ context.Context, principalID, path string, _ url.Values) (*oauth2.Response, error) {
	c.paths = append(c.paths, principalID+" "+path)
	return c.resp, c.err
}

func TestCheckToken(t *testing.T) {
	t.Run("reports the resource call", func(t *testing.T) {
		client := &fakeResourceClient{resp: &oauth2.Response{StatusCode: http.StatusOK}}
		f := newFixture(t, RouteOptions{}, func(d *Dependencies) {
			d.Client = client
			d.CheckPath = "/me"
		})

		rec := f.do(http.MethodGet, "/api/tokens/p1/check")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]interface{}](t, rec)
		assert.Equal(t, float64(http.StatusOK), body["status_code"])
		assert.Equal(t, []string{"p1 /me"}, client.paths)
	})

	t.Run("surfaces the classified failure", func(t *testing.T) {
		client := &fakeResourceClient{err: oauth2.ClassifyHTTP(http.StatusForbidden, nil, nil)}
		f := newFixture(t, RouteOptions{}, func(d *Dependencies) {
			d.Client = client
			d.CheckPath = "/me"
		})

		rec := f.do(http.MethodGet, "/api/tokens/p1/check")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "access_revoked", decode[ErrorResponse](t, rec).Kind)
	})

	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, RouteOptions{})
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/tokens/p1/check").Code)
	})
}
