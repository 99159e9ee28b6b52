package oauth2

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xoauth2 "golang.org/x/oauth2"

	"token-keeper/internal/circuitbreaker"
	"token-keeper/internal/common/logging"
)

const maxResponseBody = 1 << 20

// ProviderConfig describes the identity provider application registration.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	TokenURL     string
	AuthURL      string
	Scopes       []string
}

// ProviderHTTPError is a non-2xx token endpoint response. It is what the
// token breaker records as a failure; callers receive it classified.
type ProviderHTTPError struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
}

// Provider talks to the provider's token endpoint. Every exchange goes through
// the token endpoint breaker.
type Provider struct {
	config     ProviderConfig
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	classifier *Classifier
	oauth      *xoauth2.Config
	now        func() time.Time
	logger     logging.Logger
}

// NewProvider creates a provider client. httpClient defaults to http.DefaultClient.
func NewProvider(config ProviderConfig, httpClient *http.Client, breaker *circuitbreaker.Breaker, logger logging.Logger) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Provider{
		config:     config,
		httpClient: httpClient,
		breaker:    breaker,
		classifier: NewClassifier(),
		oauth: &xoauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURI,
			Scopes:       config.Scopes,
			Endpoint: xoauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: xoauth2.AuthStyleInParams,
			},
		},
		now:    time.Now,
		logger: logger.WithFields(logging.String("component", "oauth2_provider")),
	}
}

// Breaker returns the breaker guarding the token endpoint.
func (p *Provider) Breaker() *circuitbreaker.Breaker {
	return p.breaker
}

// RefreshToken exchanges a refresh credential for a new access credential.
// Errors are always *ClassifiedError; an open breaker yields KindTokenRefresh.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	if len(p.config.Scopes) > 0 {
		form.Set("scope", strings.Join(p.config.Scopes, " "))
	}

	resp, err := circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*TokenResponse, error) {
		return p.postForm(ctx, form)
	})
	if err != nil {
		return nil, p.classify(err, KindTokenRefresh)
	}
	return resp, nil
}

func (p *Provider) postForm(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderHTTPError{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}
	}

	parsed, err := ParseTokenResponse(body)
	if err != nil {
		// A 2xx without a usable token is a provider fault, not a transport one.
		return nil, &ClassifiedError{
			Kind:       KindServer,
			Message:    "token endpoint returned an unusable response",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 2048),
			Cause:      err,
		}
	}
	return parsed, nil
}

// classify converts breaker, HTTP and transport failures into a ClassifiedError.
// openKind is the kind reported when the breaker rejected the call.
func (p *Provider) classify(err error, openKind Kind) *ClassifiedError {
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		return newClassified(openKind, "token endpoint circuit is open", err)
	}

	var httpErr *ProviderHTTPError
	if stderrors.As(err, &httpErr) {
		ce := p.classifier.ClassifyHTTP(httpErr.StatusCode, httpErr.Body, httpErr.Header)
		ce.Cause = httpErr
		return ce
	}

	return p.classifier.ClassifyTransport(err)
}

// AuthCodeURL returns the authorization endpoint URL carrying state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, xoauth2.AccessTypeOffline)
}

// Exchange redeems an authorization code. Rejected grants classify as
// KindTokenExchange. A misconfigured client stays KindConfiguration and
// transport failures stay KindNetwork.
func (p *Provider) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, newClassified(KindTokenExchange, "authorization code is empty", nil)
	}

	tok, err := circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*xoauth2.Token, error) {
		ctx = context.WithValue(ctx, xoauth2.HTTPClient, p.httpClient)
		tok, err := p.oauth.Exchange(ctx, code)
		if err != nil {
			var retrieveErr *xoauth2.RetrieveError
			if stderrors.As(err, &retrieveErr) && retrieveErr.Response != nil {
				return nil, &ProviderHTTPError{
					StatusCode: retrieveErr.Response.StatusCode,
					Body:       retrieveErr.Body,
					Header:     retrieveErr.Response.Header,
				}
			}
			return nil, err
		}
		return tok, nil
	})
	if err != nil {
		ce := p.classify(err, KindTokenExchange)
		if ce.StatusCode != 0 && exchangeFailureKind(ce.Kind) {
			ce.Kind = KindTokenExchange
		}
		return nil, ce
	}

	return p.fromOAuthToken(tok), nil
}

// exchangeFailureKind reports whether kind describes a rejected grant. Rate
// limits, server faults and client misconfiguration keep their own kind.
func exchangeFailureKind(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindServer, KindConfiguration:
		return false
	}
	return true
}

func (p *Provider) fromOAuthToken(tok *xoauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Raw:          map[string]interface{}{"token_type": tok.TokenType},
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
		resp.Raw["scope"] = scope
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = tok.Expiry.Sub(p.now()).Round(time.Second)
		resp.Raw["expires_at"] = tok.Expiry.UTC().Format(time.RFC3339)
	}
	return resp
}
