package postgres

import (
	"fmt"
	"net/url"
	"strings"
)

type Config struct {
	// DSN is a postgres:// or postgresql:// connection URL.
	DSN      string
	MaxConns int32
	MinConns int32
}

func (c *Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("PostgreSQL DSN is required")
	}
	u, err := url.Parse(c.DSN)
	if err != nil {
		return fmt.Errorf("invalid PostgreSQL URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("PostgreSQL DSN must use the postgres:// scheme, got %q", u.Scheme)
	}
	if strings.TrimPrefix(u.Path, "/") == "" {
		return fmt.Errorf("PostgreSQL database name is required")
	}
	if c.MaxConns < 0 || c.MinConns < 0 {
		return fmt.Errorf("connection limits must not be negative")
	}
	if c.MaxConns > 0 && c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections %d exceed max connections %d", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *Config) GetType() string {
	return "postgres"
}

// MigrationURL rewrites the DSN for golang-migrate's pgx/v5 driver, which only accepts pgx5://.
func (c *Config) MigrationURL() string {
	return strings.NewReplacer(
		"postgres://", "pgx5://",
		"postgresql://", "pgx5://",
	).Replace(c.DSN)
}

func DefaultConfig() *Config {
	return &Config{
		DSN:      "postgres://postgres@localhost:5432/token_keeper?sslmode=prefer",
		MaxConns: 10,
	}
}
