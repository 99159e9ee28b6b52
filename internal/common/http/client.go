// Package http builds the outbound HTTP clients used to talk to the identity provider
// and the protected API.
package http

import (
	"net/http"
	"time"

	"token-keeper/internal/common/logging"
)

const (
	// DefaultUserAgent identifies token-keeper to the provider.
	DefaultUserAgent = "token-keeper/1.0"
	// RequestIDHeader carries the correlation id of the request that caused an outbound call.
	RequestIDHeader = "X-Request-ID"
)

// ClientConfig holds HTTP client configuration
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	UserAgent           string
	Transport           http.RoundTripper
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           DefaultUserAgent,
	}
}

// ClientOption is a function that modifies ClientConfig
type ClientOption func(*ClientConfig)

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithUserAgent overrides the User-Agent sent on every request. Empty leaves requests untouched.
func WithUserAgent(ua string) ClientOption {
	return func(c *ClientConfig) {
		c.UserAgent = ua
	}
}

// WithTransport sets the base transport
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *ClientConfig) {
		c.Transport = transport
	}
}

// NewHTTPClient creates a client whose requests carry the configured User-Agent and,
// when the request context has one, the caller's correlation id.
func NewHTTPClient(opts ...ClientOption) *http.Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	base := cfg.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &taggingTransport{base: base, userAgent: cfg.UserAgent},
	}
}

type taggingTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *taggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	correlation, hasCorrelation := logging.CorrelationFromContext(req.Context())
	setUA := t.userAgent != "" && req.Header.Get("User-Agent") == ""
	setID := hasCorrelation && req.Header.Get(RequestIDHeader) == ""
	if !setUA && !setID {
		return t.base.RoundTrip(req)
	}

	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	if setUA {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if setID {
		req.Header.Set(RequestIDHeader, correlation)
	}
	return t.base.RoundTrip(req)
}
