package oauth2_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/oauth2"
	"token-keeper/internal/oauth2/storetest"
	"token-keeper/internal/redis"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisTokenStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) oauth2.TokenStore {
		client, _ := newRedisClient(t)
		return oauth2.NewRedisTokenStore(client)
	})
}

func TestRedisTokenStore_KeyLayout(t *testing.T) {
	client, mr := newRedisClient(t)
	store := oauth2.NewRedisTokenStore(client)

	tok := &oauth2.Token{PrincipalID: "p1", AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(context.Background(), tok))

	pointer, err := mr.Get("token-keeper:principal:p1")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, pointer)
	assert.True(t, mr.Exists("token-keeper:token:"+tok.ID))

	members, err := mr.ZMembers("token-keeper:expiry")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, members)
}

func TestRedisTokenStore_OlderRecordUpdateDoesNotMovePointer(t *testing.T) {
	client, _ := newRedisClient(t)
	store := oauth2.NewRedisTokenStore(client)
	ctx := context.Background()

	first := &oauth2.Token{PrincipalID: "p1", AccessToken: "first", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(ctx, first))
	second := &oauth2.Token{PrincipalID: "p1", AccessToken: "second", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(ctx, second))

	first.AccessToken = "first-updated"
	require.NoError(t, store.Save(ctx, first))

	got, err := store.Latest(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.AccessToken)
}
