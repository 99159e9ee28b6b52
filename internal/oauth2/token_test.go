package oauth2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/common/errors"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestToken_ExpiryPredicates(t *testing.T) {
	buffer := 5 * time.Minute

	tests := []struct {
		name         string
		expiresAt    time.Time
		wantExpired  bool
		wantNeedsRef bool
	}{
		{"far future", baseTime.Add(time.Hour), false, false},
		{"just outside buffer", baseTime.Add(buffer + time.Second), false, false},
		{"exactly at buffer edge", baseTime.Add(buffer), false, true},
		{"inside buffer", baseTime.Add(time.Minute), false, true},
		{"exactly now", baseTime, true, true},
		{"past", baseTime.Add(-time.Minute), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := &Token{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.wantExpired, tok.Expired(baseTime))
			assert.Equal(t, tt.wantNeedsRef, tok.NeedsRefresh(baseTime, buffer))
		})
	}
}

func TestToken_Validate(t *testing.T) {
	assert.True(t, errors.IsType((&Token{}).Validate(), errors.ErrTypeValidation))
	assert.True(t, errors.IsType((&Token{PrincipalID: "p1"}).Validate(), errors.ErrTypeValidation))
	assert.NoError(t, (&Token{PrincipalID: "p1", AccessToken: "at"}).Validate())
	assert.NoError(t, (&Token{PrincipalID: "p1", ExpiresAt: baseTime}).Validate())
}

func TestToken_ApplyKeepsRefreshCredentialWhenOmitted(t *testing.T) {
	tok := &Token{PrincipalID: "p1", AccessToken: "old", RefreshToken: "rt-1", ExpiresAt: baseTime}

	tok.Apply(&TokenResponse{AccessToken: "new", ExpiresIn: time.Hour}, baseTime.Add(time.Minute))

	assert.Equal(t, "new", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.True(t, tok.ExpiresAt.After(baseTime))
	assert.Equal(t, baseTime.Add(time.Minute+time.Hour), tok.ExpiresAt)
}

func TestToken_ApplyReplacesRefreshCredentialWhenIssued(t *testing.T) {
	tok := &Token{PrincipalID: "p1", RefreshToken: "rt-1", ExpiresAt: baseTime}

	tok.Apply(&TokenResponse{AccessToken: "new", RefreshToken: "rt-2", Scope: "mail.read"}, baseTime)

	assert.Equal(t, "rt-2", tok.RefreshToken)
	assert.Equal(t, "mail.read", tok.Scope)
	assert.Equal(t, baseTime.Add(DefaultLifetime), tok.ExpiresAt)
}

func TestToken_ApplyNeverMovesExpiryBackwards(t *testing.T) {
	later := baseTime.Add(2 * time.Hour)
	tok := &Token{PrincipalID: "p1", ExpiresAt: later}

	tok.Apply(&TokenResponse{AccessToken: "new", ExpiresIn: time.Minute}, baseTime)

	assert.Equal(t, later, tok.ExpiresAt)
}

func TestToken_RevokeSurvivesApply(t *testing.T) {
	tok := &Token{PrincipalID: "p1", RefreshToken: "rt", ExpiresAt: baseTime.Add(time.Hour)}

	tok.Revoke(baseTime)
	assert.True(t, tok.Revoked())
	assert.True(t, tok.Expired(baseTime))
	assert.False(t, tok.CanRefresh())

	tok.Apply(&TokenResponse{AccessToken: "fresh"}, baseTime.Add(time.Second))
	assert.True(t, tok.Revoked(), "only a new authorization replaces a revoked record")
	assert.Equal(t, baseTime, tok.RevokedAt)
	assert.False(t, tok.CanRefresh())
}

func TestToken_CloneIsDeep(t *testing.T) {
	tok := &Token{PrincipalID: "p1", Raw: map[string]interface{}{"scope": "a"}}
	c := tok.Clone()
	c.Raw["scope"] = "b"

	assert.Equal(t, "a", tok.Raw["scope"])
	assert.Nil(t, (*Token)(nil).Clone())
}

func TestParseTokenResponse(t *testing.T) {
	t.Run("numeric expires_in and secrets stripped from raw", func(t *testing.T) {
		resp, err := ParseTokenResponse([]byte(`{"access_token":"at","refresh_token":"rt","id_token":"x","expires_in":3599,"scope":"openid","token_type":"Bearer"}`))
		require.NoError(t, err)
		assert.Equal(t, "at", resp.AccessToken)
		assert.Equal(t, "rt", resp.RefreshToken)
		assert.Equal(t, 3599*time.Second, resp.ExpiresIn)
		assert.Equal(t, "openid", resp.Scope)
		assert.NotContains(t, resp.Raw, "access_token")
		assert.NotContains(t, resp.Raw, "refresh_token")
		assert.NotContains(t, resp.Raw, "id_token")
		assert.Equal(t, "Bearer", resp.Raw["token_type"])
	})

	t.Run("string expires_in", func(t *testing.T) {
		resp, err := ParseTokenResponse([]byte(`{"access_token":"at","expires_in":"120"}`))
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, resp.ExpiresIn)
	})

	t.Run("missing access token", func(t *testing.T) {
		_, err := ParseTokenResponse([]byte(`{"expires_in":10}`))
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseTokenResponse([]byte(`<html>`))
		assert.Error(t, err)
	})
}

func TestNewToken(t *testing.T) {
	tok := NewToken("p1", &TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: time.Hour}, baseTime)

	assert.Equal(t, "p1", tok.PrincipalID)
	assert.Equal(t, baseTime, tok.CreatedAt)
	assert.Equal(t, baseTime.Add(time.Hour), tok.ExpiresAt)
	assert.NoError(t, tok.Validate())
}
