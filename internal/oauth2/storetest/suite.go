// Package storetest holds the behaviour every oauth2.TokenStore implementation must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/common/errors"
	"token-keeper/internal/oauth2"
)

// Run exercises store against the TokenStore contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) oauth2.TokenStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("latest of unknown principal is nil", func(t *testing.T) {
		store := newStore(t)
		tok, err := store.Latest(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, tok)
	})

	t.Run("insert assigns id and round trips", func(t *testing.T) {
		store := newStore(t)
		tok := &oauth2.Token{
			PrincipalID:  "p1",
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Scope:        "mail.read offline_access",
			ExpiresAt:    now.Add(time.Hour),
			Raw:          map[string]interface{}{"ext_expires_in": float64(3600)},
		}
		require.NoError(t, store.Save(ctx, tok))
		require.NotEmpty(t, tok.ID)
		assert.False(t, tok.CreatedAt.IsZero())

		got, err := store.Latest(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, tok.ID, got.ID)
		assert.Equal(t, "access-1", got.AccessToken)
		assert.Equal(t, "refresh-1", got.RefreshToken)
		assert.Equal(t, "Bearer", got.TokenType)
		assert.Equal(t, "mail.read offline_access", got.Scope)
		assert.True(t, tok.ExpiresAt.Equal(got.ExpiresAt), "expiry %v != %v", tok.ExpiresAt, got.ExpiresAt)
		assert.Equal(t, float64(3600), got.Raw["ext_expires_in"])
	})

	t.Run("update in place keeps id", func(t *testing.T) {
		store := newStore(t)
		tok := &oauth2.Token{PrincipalID: "p1", AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(time.Minute)}
		require.NoError(t, store.Save(ctx, tok))
		id := tok.ID

		tok.Apply(&oauth2.TokenResponse{AccessToken: "b", ExpiresIn: time.Hour}, now)
		require.NoError(t, store.Save(ctx, tok))
		assert.Equal(t, id, tok.ID)

		got, err := store.Latest(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "b", got.AccessToken)
		assert.Equal(t, "r", got.RefreshToken)
	})

	t.Run("newest record is current", func(t *testing.T) {
		store := newStore(t)
		older := &oauth2.Token{PrincipalID: "p1", AccessToken: "old", ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-time.Hour)}
		require.NoError(t, store.Save(ctx, older))
		newer := &oauth2.Token{PrincipalID: "p1", AccessToken: "new", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
		require.NoError(t, store.Save(ctx, newer))

		got, err := store.Latest(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "new", got.AccessToken)
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		store := newStore(t)
		err := store.Save(ctx, &oauth2.Token{PrincipalID: "p1"})
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("expiring before lists current unrevoked tokens soonest first", func(t *testing.T) {
		store := newStore(t)
		save := func(principal string, expiresIn time.Duration) *oauth2.Token {
			tok := &oauth2.Token{PrincipalID: principal, AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(expiresIn)}
			require.NoError(t, store.Save(ctx, tok))
			return tok
		}
		save("late", 5*time.Minute)
		save("soon", time.Minute)
		save("fresh", 2*time.Hour)
		revoked := save("revoked", time.Minute)
		revoked.Revoke(now)
		require.NoError(t, store.Save(ctx, revoked))

		principals, err := store.ExpiringBefore(ctx, now.Add(10*time.Minute), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"soon", "late"}, principals)

		limited, err := store.ExpiringBefore(ctx, now.Add(10*time.Minute), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"soon"}, limited)
	})

	t.Run("revocation is visible through latest", func(t *testing.T) {
		store := newStore(t)
		tok := &oauth2.Token{PrincipalID: "p1", AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, store.Save(ctx, tok))
		tok.Revoke(now)
		require.NoError(t, store.Save(ctx, tok))

		got, err := store.Latest(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, got.Revoked())
		assert.False(t, got.CanRefresh())
		assert.True(t, got.Expired(now))
	})
}
