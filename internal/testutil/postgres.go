// Package testutil starts throwaway infrastructure for integration tests.
package testutil

import (
	"fmt"
	"net"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	pgstore "token-keeper/internal/storage/postgres"
)

// RandomPort returns a free port on 127.0.0.1.
func RandomPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		return 0, err
	}
	defer ln.Close() // nolint:errcheck

	return ln.Addr().(*net.TCPAddr).Port, nil
}

type PostgresContainer struct {
	Store     *pgstore.Store
	DSN       string
	Terminate func()
}

// StartPostgresContainer runs postgres in docker with the token-keeper schema applied.
// The test is skipped when no docker daemon is reachable.
func StartPostgresContainer(t *testing.T) PostgresContainer {
	t.Helper()

	if out, err := exec.Command("docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		t.Skipf("docker not available: %s", out)
	}

	port, err := RandomPort()
	require.NoError(t, err)

	container, err := postgres.Run(t.Context(),
		"postgres:17-alpine",
		postgres.WithDatabase("token-keeper-test"),
		postgres.WithUsername("token_keeper"),
		postgres.WithPassword("pwd"),
		postgres.BasicWaitStrategies(),
		testcontainers.CustomizeRequestOption(func(req *testcontainers.GenericContainerRequest) error {
			req.ExposedPorts = []string{fmt.Sprintf("%d:5432", port)}
			return nil
		}),
	)
	require.NoError(t, err, "starting postgres container")

	dsn, err := container.ConnectionString(t.Context(), "sslmode=disable")
	require.NoError(t, err)

	store, err := pgstore.Connect(t.Context(), &pgstore.Config{DSN: dsn})
	require.NoError(t, err, "connecting and migrating")

	return PostgresContainer{
		Store: store,
		DSN:   dsn,
		Terminate: func() {
			_ = store.Close()
			testcontainers.CleanupContainer(t, container)
		},
	}
}
