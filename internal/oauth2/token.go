package oauth2

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"token-keeper/internal/common/errors"
)

// DefaultLifetime is assumed when the provider omits expires_in.
const DefaultLifetime = time.Hour

// Token is the durable record of one provider credential pair for a principal.
//
// AccessToken and RefreshToken are secrets; stores wrap them with
// EncryptedTokenStore before they reach disk.
type Token struct {
	ID           string                 `json:"id"`
	PrincipalID  string                 `json:"principal_id"`
	AccessToken  string                 `json:"access_token,omitempty"`
	RefreshToken string                 `json:"refresh_token,omitempty"`
	TokenType    string                 `json:"token_type,omitempty"`
	ExpiresAt    time.Time              `json:"expires_at"`
	Scope        string                 `json:"scope,omitempty"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	RevokedAt    time.Time              `json:"revoked_at,omitempty"`
}

// Expired reports whether the access credential is no longer valid at now.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// NeedsRefresh reports whether the token expires within buffer of now.
func (t *Token) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(buffer))
}

// CanRefresh reports whether a refresh exchange may be attempted.
func (t *Token) CanRefresh() bool {
	return t.RefreshToken != "" && !t.Revoked()
}

// Revoked reports whether the token was soft-revoked.
func (t *Token) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// Validate checks the invariants a persisted record must hold.
func (t *Token) Validate() error {
	if t.PrincipalID == "" {
		return errors.ValidationError("token has no principal")
	}
	if t.AccessToken == "" && t.ExpiresAt.IsZero() {
		return errors.ValidationError("token has neither an access credential nor an expiry")
	}
	return nil
}

// Apply folds a successful token endpoint response into t.
//
// Expiry never moves backwards: the new expiry is max(current, now+lifetime).
// The refresh credential is only replaced when the provider issued a new one.
// Revocation is left as is; a revoked principal needs a new authorization.
func (t *Token) Apply(resp *TokenResponse, now time.Time) {
	t.AccessToken = resp.AccessToken
	if resp.TokenType != "" {
		t.TokenType = resp.TokenType
	}

	lifetime := resp.ExpiresIn
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if expiry := now.Add(lifetime); expiry.After(t.ExpiresAt) {
		t.ExpiresAt = expiry
	}

	if resp.RefreshToken != "" {
		t.RefreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		t.Scope = resp.Scope
	}
	t.Raw = resp.Raw
	t.UpdatedAt = now
}

// Revoke soft-deletes the token by expiring it at now.
func (t *Token) Revoke(now time.Time) {
	t.ExpiresAt = now
	t.RevokedAt = now
	t.UpdatedAt = now
}

// Clone returns a deep copy of t.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	if t.Raw != nil {
		c.Raw = make(map[string]interface{}, len(t.Raw))
		for k, v := range t.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}

// NewToken builds the first record for principal from an exchange response.
func NewToken(principalID string, resp *TokenResponse, now time.Time) *Token {
	t := &Token{
		PrincipalID: principalID,
		CreatedAt:   now,
	}
	t.Apply(resp, now)
	return t
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
	// Raw holds the non-secret response fields for diagnostics.
	Raw map[string]interface{}
}

var secretFields = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
}

// ParseTokenResponse decodes a token endpoint JSON body. expires_in may be a number or a numeric string.
func ParseTokenResponse(body []byte) (*TokenResponse, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.ValidationError("token response is not valid JSON")
	}

	resp := &TokenResponse{
		AccessToken:  stringField(payload, "access_token"),
		RefreshToken: stringField(payload, "refresh_token"),
		TokenType:    stringField(payload, "token_type"),
		Scope:        stringField(payload, "scope"),
		Raw:          make(map[string]interface{}),
	}
	if resp.AccessToken == "" {
		return nil, errors.ValidationError("token response has no access_token")
	}

	switch v := payload["expires_in"].(type) {
	case float64:
		resp.ExpiresIn = time.Duration(v) * time.Second
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			resp.ExpiresIn = time.Duration(n) * time.Second
		}
	}

	for k, v := range payload {
		if !secretFields[k] {
			resp.Raw[k] = v
		}
	}
	return resp, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
