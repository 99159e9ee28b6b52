package oauth2

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"token-keeper/internal/audit"
	"token-keeper/internal/circuitbreaker"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/common/utils"
)

// cannedResponse is one scripted provider reply.
type cannedResponse struct {
	status int
	body   string
	header http.Header
}

func okToken(access string, expiresIn int) cannedResponse {
	body, _ := json.Marshal(map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
		"scope":        "mail.read",
	})
	return cannedResponse{status: http.StatusOK, body: string(body)}
}

// scriptedServer replays responses in order, repeating the last one.
type scriptedServer struct {
	*httptest.Server
	mu        sync.Mutex
	responses []cannedResponse
	calls     atomic.Int32
	forms     []url.Values
	auths     []string
	gate      chan struct{}
}

func newScriptedServer(t *testing.T, responses ...cannedResponse) *scriptedServer {
	t.Helper()
	s := &scriptedServer{responses: responses}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) handle(w http.ResponseWriter, r *http.Request) {
	n := int(s.calls.Add(1))

	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	s.mu.Lock()
	s.forms = append(s.forms, form)
	s.auths = append(s.auths, r.Header.Get("Authorization"))
	gate := s.gate
	resp := s.responses[len(s.responses)-1]
	if n <= len(s.responses) {
		resp = s.responses[n-1]
	}
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	for k, values := range resp.header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (s *scriptedServer) Calls() int {
	return int(s.calls.Load())
}

func (s *scriptedServer) Form(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[i]
}

func (s *scriptedServer) Auth(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auths[i]
}

func testBreaker(name string) *circuitbreaker.Breaker {
	return circuitbreaker.New(name, circuitbreaker.Config{Threshold: 5, OpenDuration: time.Minute}, logging.NewNopLogger(), nil)
}

func testProvider(tokenURL string) *Provider {
	return NewProvider(ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example/oauth/callback",
		TokenURL:     tokenURL,
		AuthURL:      "https://login.example/authorize",
		Scopes:       []string{"offline_access", "mail.read"},
	}, nil, testBreaker(circuitbreaker.TokenEndpoint), logging.NewNopLogger())
}

// fixedBackoff is the refresh schedule with jitter pinned to its lower bound.
func fixedBackoff() utils.Backoff {
	b := utils.RefreshBackoff()
	b.Random = func() float64 { return 0 }
	return b
}

type harness struct {
	store       *MemoryTokenStore
	sleeps      *utils.SleepRecorder
	audit       *audit.MemorySink
	provider    *Provider
	refresher   *Refresher
	coordinator *Coordinator
	dispatcher  *Dispatcher
}

func newHarness(t *testing.T, tokenURL string) *harness {
	t.Helper()
	h := &harness{
		store:  NewMemoryTokenStore(),
		sleeps: &utils.SleepRecorder{},
		audit:  audit.NewMemorySink(0),
	}
	logger := logging.NewNopLogger()

	h.provider = testProvider(tokenURL)
	h.refresher = NewRefresher(h.provider,
		WithRefreshBackoff(fixedBackoff()),
		WithRefreshSleeper(h.sleeps.Sleep),
		WithRefreshAudit(h.audit),
		WithRefreshLogger(logger))
	h.coordinator = NewCoordinator(h.store, h.refresher,
		WithCoordinatorSleeper(h.sleeps.Sleep),
		WithCoordinatorAudit(h.audit),
		WithCoordinatorLogger(logger))
	h.dispatcher = NewDispatcher(
		DefaultStrategies(h.coordinator, DefaultRequestAttempts, DefaultRateLimitMaxWait, h.sleeps.Sleep, h.audit, logger),
		h.audit, nil, logger)
	return h
}

func (h *harness) seed(t *testing.T, principalID, access string, expiresIn time.Duration) *Token {
	t.Helper()
	tok := &Token{
		PrincipalID:  principalID,
		AccessToken:  access,
		RefreshToken: "refresh-" + principalID,
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(expiresIn),
	}
	require.NoError(t, h.store.Save(t.Context(), tok))
	return tok
}
