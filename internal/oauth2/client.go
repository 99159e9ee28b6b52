package oauth2

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"token-keeper/internal/audit"
	"token-keeper/internal/circuitbreaker"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/metrics"
)

// DefaultRequestAttempts caps tries of one resource API request, including the first.
const DefaultRequestAttempts = 3

// Request is one provider resource API call.
type Request struct {
	Method string
	// Path is joined to the client's base URL unless it is absolute.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a successful (status < 400) provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// serverStatusError marks 5xx responses as failures for the API breaker
// while the response itself is still handed back.
type serverStatusError struct {
	status int
}

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("provider api returned status %d", e.status)
}

// Client is the single entry point for authenticated provider API calls.
// It obtains a fresh token, sends the request and runs recovery on failure.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	coordinator *Coordinator
	dispatcher  *Dispatcher
	breaker     *circuitbreaker.Breaker
	limiter     *rate.Limiter
	maxAttempts int

	audit   audit.Sink
	metrics metrics.Recorder
	logger  logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for resource calls.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithAPIBreaker guards resource calls with b. Transport errors and 5xx responses count as failures.
func WithAPIBreaker(b *circuitbreaker.Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithRateLimit limits outgoing resource calls to rps with the given burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRequestAttempts caps attempts per resource call. Values below one are ignored.
func WithRequestAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithClientAudit sets the sink for recovery events.
func WithClientAudit(sink audit.Sink) ClientOption {
	return func(c *Client) { c.audit = sink }
}

// WithClientMetrics sets the metrics recorder.
func WithClientMetrics(m metrics.Recorder) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClientLogger sets the logger.
func WithClientLogger(l logging.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates the façade for resource calls against baseURL.
func NewClient(baseURL string, coordinator *Coordinator, dispatcher *Dispatcher, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  http.DefaultClient,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		maxAttempts: DefaultRequestAttempts,
		audit:       audit.NopSink{},
		metrics:     metrics.NewNoopMetrics(),
		logger:      logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(logging.String("component", "api_client"))
	return c
}

// Get issues a GET with params as the query string.
func (c *Client) Get(ctx context.Context, principalID, path string, params url.Values) (*Response, error) {
	return c.Do(ctx, principalID, Request{Method: http.MethodGet, Path: path, Query: params})
}

// Do sends req on behalf of principalID. Recovered failures are invisible to
// the caller; otherwise the last *ClassifiedError is returned unchanged.
func (c *Client) Do(ctx context.Context, principalID string, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ctx = logging.ContextWithPrincipal(ctx, principalID)
	correlationID, ok := logging.CorrelationFromContext(ctx)
	if !ok {
		correlationID = uuid.New().String()
		ctx = logging.ContextWithCorrelation(ctx, correlationID)
	}

	rc := RecoveryContext{
		CorrelationID: correlationID,
		PrincipalID:   principalID,
		Method:        req.Method,
		Path:          req.Path,
		MaxAttempts:   c.maxAttempts,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		rc.Attempt = attempt

		tok, err := c.coordinator.Current(ctx, principalID)
		if err != nil {
			rc.Operation = OperationRefresh
			rc.Token = nil
			lastErr = ClassifyTransport(err)
			if !c.tryRecover(ctx, err, &rc) {
				return nil, lastErr
			}
			continue
		}

		resp, err := c.send(ctx, tok, req)
		if err == nil {
			if attempt > 1 {
				c.audit.LogEvent(ctx, audit.CategoryAPIOperations, "api_request_recovered", map[string]interface{}{
					"correlation_id": correlationID,
					"principal_id":   principalID,
					"method":         req.Method,
					"path":           req.Path,
					"attempts":       attempt,
				})
			}
			return resp, nil
		}

		lastErr = err
		if stderrors.Is(err, circuitbreaker.ErrOpen) {
			return nil, err
		}

		rc.Operation = OperationRequest
		rc.Token = tok
		if !c.tryRecover(ctx, err, &rc) {
			return nil, err
		}
	}

	return nil, lastErr
}

// tryRecover runs the dispatcher and reports whether the request should be tried again.
func (c *Client) tryRecover(ctx context.Context, err error, rc *RecoveryContext) bool {
	result := c.dispatcher.Handle(ctx, err, *rc)
	if result.Strategy == StrategyTokenRefresh {
		rc.RefreshAttempted = true
	}
	return result.ShouldRetry() && rc.Attempt < c.maxAttempts
}

// send makes one HTTP call. It returns a *ClassifiedError for every failure.
func (c *Client) send(ctx context.Context, tok *Token, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ClassifyTransport(err)
		}
	}

	start := time.Now()
	call := func(ctx context.Context) (*Response, error) {
		return c.roundTrip(ctx, tok, req)
	}

	var (
		resp *Response
		err  error
	)
	if c.breaker != nil {
		resp, err = circuitbreaker.Do(ctx, c.breaker, call)
	} else {
		resp, err = call(ctx)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.RecordAPICall(req.Method, status, time.Since(start))

	switch {
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return nil, newClassified(KindServer, "provider api circuit is open", err)
	case resp != nil && resp.StatusCode >= 400:
		return nil, ClassifyHTTP(resp.StatusCode, resp.Body, resp.Header)
	case err != nil:
		return nil, ClassifyTransport(err)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, tok *Token, req Request) (*Response, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	tokenType := tok.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	httpReq.Header.Set("Authorization", tokenType+" "+tok.AccessToken)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}
	if httpResp.StatusCode >= 500 {
		return resp, &serverStatusError{status: httpResp.StatusCode}
	}
	return resp, nil
}

// Revoke soft-revokes the principal's current token.
func (c *Client) Revoke(ctx context.Context, principalID, reason string) error {
	return c.coordinator.Revoke(ctx, principalID, reason)
}
