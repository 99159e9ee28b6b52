package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"token-keeper/internal/audit"
	"token-keeper/internal/circuitbreaker"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/oauth2"
)

const healthCheckTimeout = 5 * time.Second

// Authorizer runs the authorization-code half of the OAuth flow. oauth2.Provider implements it.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.TokenResponse, error)
}

// ResourceClient calls the provider's resource API on behalf of a principal. oauth2.Client implements it.
type ResourceClient interface {
	Get(ctx context.Context, principalID, path string, params url.Values) (*oauth2.Response, error)
}

// EventReader lists recorded audit events. The SQL stores and audit.MemorySink implement it.
type EventReader interface {
	RecentEvents(ctx context.Context, principalID string, limit int) ([]audit.Event, error)
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Dependencies are the components the handlers serve.
type Dependencies struct {
	Coordinator  *oauth2.Coordinator
	Breakers     *circuitbreaker.Registry
	Authorizer   Authorizer
	States       *StateSigner
	Metrics      http.Handler
	HealthChecks map[string]HealthCheck
	Events       EventReader
	Client       ResourceClient
	CheckPath    string
	Audit        audit.Sink
	Logger       logging.Logger
}

type Handlers struct {
	coordinator *oauth2.Coordinator
	breakers    *circuitbreaker.Registry
	authorizer  Authorizer
	states      *StateSigner
	metrics     http.Handler
	checks      map[string]HealthCheck
	events      EventReader
	client      ResourceClient
	checkPath   string
	audit       audit.Sink
	logger      logging.Logger
	now         func() time.Time
}

func NewHandlers(deps Dependencies) *Handlers {
	if deps.Audit == nil {
		deps.Audit = audit.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		coordinator: deps.Coordinator,
		breakers:    deps.Breakers,
		authorizer:  deps.Authorizer,
		states:      deps.States,
		metrics:     deps.Metrics,
		checks:      deps.HealthChecks,
		events:      deps.Events,
		client:      deps.Client,
		checkPath:   deps.CheckPath,
		audit:       deps.Audit,
		logger:      deps.Logger.WithFields(logging.String("component", "http_handlers")),
		now:         time.Now,
	}
}

// TokenView is the redacted form of a token returned by the admin API.
type TokenView struct {
	ID               string     `json:"id"`
	PrincipalID      string     `json:"principal_id"`
	TokenType        string     `json:"token_type,omitempty"`
	Scope            string     `json:"scope,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	ExpiresInSeconds int64      `json:"expires_in_seconds"`
	Expired          bool       `json:"expired"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CanRefresh       bool       `json:"can_refresh"`
	Refreshing       bool       `json:"refreshing"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (h *Handlers) tokenView(tok *oauth2.Token) TokenView {
	now := h.now()
	view := TokenView{
		ID:          tok.ID,
		PrincipalID: tok.PrincipalID,
		TokenType:   tok.TokenType,
		Scope:       tok.Scope,
		ExpiresAt:   tok.ExpiresAt,
		Expired:     tok.Expired(now),
		Revoked:     tok.Revoked(),
		CanRefresh:  tok.CanRefresh(),
		Refreshing:  h.coordinator.Refreshing(tok.PrincipalID),
		CreatedAt:   tok.CreatedAt,
		UpdatedAt:   tok.UpdatedAt,
	}
	if !view.Expired {
		view.ExpiresInSeconds = int64(tok.ExpiresAt.Sub(now).Seconds())
	}
	if tok.Revoked() {
		revokedAt := tok.RevokedAt
		view.RevokedAt = &revokedAt
	}
	return view
}

// HealthCheck runs every registered dependency check.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed", logging.String("check", name), logging.Err(err))
			checks[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	breakers := make(map[string]string)
	if h.breakers != nil {
		for _, snap := range h.breakers.Snapshots() {
			breakers[snap.Name] = snap.State
		}
	}

	h.sendJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": h.now().UTC(),
		"checks":    checks,
		"breakers":  breakers,
	})
}

func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		h.sendJSONError(w, nil, "Metrics requested while disabled", "Metrics are disabled", http.StatusNotFound)
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// ListBreakers returns the state of every circuit breaker.
func (h *Handlers) ListBreakers(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, h.breakers.Snapshots())
}

// ResetBreaker forces a breaker back to closed.
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.breakers.Reset(name) {
		h.sendJSONError(w, nil, "Unknown breaker", "Circuit breaker not found", http.StatusNotFound)
		return
	}

	h.audit.LogEvent(r.Context(), audit.CategorySystem, "circuit_breaker_reset", map[string]interface{}{
		"breaker": name,
	})
	b, _ := h.breakers.Get(name)
	h.sendJSON(w, http.StatusOK, b.Snapshot())
}

// GetToken returns the principal's current token without its credentials.
func (h *Handlers) GetToken(w http.ResponseWriter, r *http.Request) {
	principalID := mux.Vars(r)["principal"]

	tok, err := h.coordinator.Token(r.Context(), principalID)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, h.tokenView(tok))
}

// ListEvents returns the principal's most recent audit events, newest first.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.sendJSONError(w, nil, "Event listing requested without a reader", "Audit events are not recorded", http.StatusNotFound)
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.sendJSONError(w, err, "Invalid event limit", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.events.RecentEvents(r.Context(), mux.Vars(r)["principal"], limit)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	h.sendJSON(w, http.StatusOK, events)
}

// CheckToken makes one authenticated resource call for the principal, running
// the full refresh and recovery path, and reports the outcome.
func (h *Handlers) CheckToken(w http.ResponseWriter, r *http.Request) {
	if h.client == nil || h.checkPath == "" {
		h.sendJSONError(w, nil, "Check requested without a resource client", "Token checks are not configured", http.StatusNotFound)
		return
	}

	principalID := mux.Vars(r)["principal"]
	ctx := logging.ContextWithPrincipal(r.Context(), principalID)

	start := h.now()
	resp, err := h.client.Get(ctx, principalID, h.checkPath, nil)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"principal_id": principalID,
		"path":         h.checkPath,
		"status_code":  resp.StatusCode,
		"latency_ms":   h.now().Sub(start).Milliseconds(),
	})
}

// RefreshToken refreshes the principal's token now, whatever its expiry.
func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	principalID := mux.Vars(r)["principal"]
	ctx := logging.ContextWithPrincipal(r.Context(), principalID)

	current, err := h.coordinator.Token(ctx, principalID)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	tok, err := h.coordinator.ForceRefresh(ctx, principalID, current.AccessToken)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, h.tokenView(tok))
}

// RevokeToken soft-revokes the principal's current token.
func (h *Handlers) RevokeToken(w http.ResponseWriter, r *http.Request) {
	principalID := mux.Vars(r)["principal"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "admin"
	}

	if err := h.coordinator.Revoke(r.Context(), principalID, reason); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Connect starts the authorization-code flow for the principal named in the query.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	principalID := r.URL.Query().Get("principal")
	if principalID == "" {
		h.sendJSONError(w, nil, "Connect without principal", "principal query parameter is required", http.StatusBadRequest)
		return
	}

	state, err := h.states.Issue(principalID)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.audit.LogEvent(r.Context(), audit.CategoryAuthentication, "authorization_started", map[string]interface{}{
		"principal_id": principalID,
	})
	http.Redirect(w, r, h.authorizer.AuthCodeURL(state), http.StatusFound)
}

// Callback completes the authorization-code flow and stores the issued token.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	principalID, err := h.states.Verify(query.Get("state"))
	if err != nil {
		h.sendJSONError(w, err, "Rejected OAuth callback state", "Invalid or expired state", http.StatusBadRequest)
		return
	}
	ctx := logging.ContextWithPrincipal(r.Context(), principalID)

	if providerErr := query.Get("error"); providerErr != "" {
		h.audit.LogEvent(ctx, audit.CategorySecurity, "authorization_denied", map[string]interface{}{
			"principal_id": principalID,
			"error_code":   providerErr,
			"description":  query.Get("error_description"),
		})
		h.sendJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":             providerErr,
			"error_description": query.Get("error_description"),
		})
		return
	}

	resp, err := h.authorizer.Exchange(ctx, query.Get("code"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	tok, err := h.coordinator.Install(ctx, principalID, resp)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.logger.WithContext(ctx).Info("Principal connected",
		logging.String("principal_id", principalID),
		logging.Time("expires_at", tok.ExpiresAt))
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "connected",
		"token":  h.tokenView(tok),
	})
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error                     string `json:"error"`
	Kind                      string `json:"kind,omitempty"`
	RequiresReauthentication  bool   `json:"requires_reauthentication,omitempty"`
	RequiresAdminIntervention bool   `json:"requires_admin_intervention,omitempty"`
	RetryAfterSeconds         int    `json:"retry_after_seconds,omitempty"`
}

// sendError maps application and provider errors onto HTTP responses.
func (h *Handlers) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describeError(err)

	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", body.RetryAfterSeconds))
	}

	logger := h.logger.WithContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", err, logging.String("path", r.URL.Path))
	} else {
		logger.Warn("Request rejected", logging.String("path", r.URL.Path), logging.Err(err))
	}
	h.sendJSON(w, status, body)
}

func describeError(err error) (int, ErrorResponse) {
	if ce, ok := oauth2.AsClassified(err); ok {
		flags := ce.Flags()
		body := ErrorResponse{
			Error:                     ce.Error(),
			Kind:                      ce.Kind.String(),
			RequiresReauthentication:  flags.RequiresReauthentication,
			RequiresAdminIntervention: flags.RequiresAdminIntervention,
		}
		switch {
		case stderrors.Is(err, circuitbreaker.ErrOpen):
			return http.StatusServiceUnavailable, body
		case ce.Kind == oauth2.KindRateLimit:
			body.RetryAfterSeconds = int(math.Ceil(ce.RetryAfter.Seconds()))
			return http.StatusTooManyRequests, body
		case flags.RequiresReauthentication:
			return http.StatusConflict, body
		case ce.Kind == oauth2.KindConfiguration:
			return http.StatusInternalServerError, body
		default:
			return http.StatusBadGateway, body
		}
	}

	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()}
	}

	switch errors.GetType(err) {
	case errors.ErrTypeNotFound:
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.ErrTypeValidation:
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}

func (h *Handlers) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", err)
	}
}

// sendJSONError logs logMsg with err and returns userMsg to the caller.
func (h *Handlers) sendJSONError(w http.ResponseWriter, err error, logMsg, userMsg string, status int) {
	if err != nil {
		h.logger.Warn(logMsg, logging.Err(err))
	} else {
		h.logger.Debug(logMsg)
	}
	h.sendJSON(w, status, ErrorResponse{Error: userMsg})
}
