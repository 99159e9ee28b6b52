package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/audit"
	"token-keeper/internal/oauth2"
	"token-keeper/internal/oauth2/storetest"
	"token-keeper/internal/storage/postgres"
	"token-keeper/internal/testutil"
)

func TestStoreContract(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	pool := pg.Store
	storetest.Run(t, func(t *testing.T) oauth2.TokenStore {
		_, err := poolExec(t, pool, "TRUNCATE tokens")
		require.NoError(t, err)
		return pool
	})
}

func poolExec(t *testing.T, s *postgres.Store, sql string) (int64, error) {
	t.Helper()
	var affected int64
	err := s.InTx(t.Context(), func(tx pgx.Tx) error {
		tag, err := tx.Exec(t.Context(), sql)
		affected = tag.RowsAffected()
		return err
	})
	return affected, err
}

func TestAuditEvents(t *testing.T) {
	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	err := pg.Store.InTx(t.Context(), func(tx pgx.Tx) error {
		store := postgres.NewStore(tx)
		base := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, store.WriteEvents(t.Context(), []audit.Event{
			{ID: "e1", Category: audit.CategoryTokenManagement, Name: "token_refreshed", PrincipalID: "alice", OccurredAt: base},
			{ID: "e2", Category: audit.CategorySecurity, Name: "token_revoked", PrincipalID: "alice",
				Details: map[string]interface{}{"reason": "user_request"}, OccurredAt: base.Add(time.Second)},
		}))

		events, err := store.RecentEvents(t.Context(), "alice", 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "token_revoked", events[0].Name)
		assert.Equal(t, "user_request", events[0].Details["reason"])
		return nil
	})
	require.NoError(t, err)
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	_, err := postgres.Connect(context.Background(), &postgres.Config{DSN: "mysql://localhost/db"})
	assert.Error(t, err)
}
