// Package postgres persists token records and audit events in PostgreSQL
// through a pgx connection pool. The schema is managed by embedded
// golang-migrate migrations.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/oauth2"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx so the store can run inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements oauth2.TokenStore and audit.Writer.
type Store struct {
	db   DBTX
	pool *pgxpool.Pool
	now  func() time.Time
}

// Connect migrates the database, then opens a pool.
func Connect(ctx context.Context, config *Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid PostgreSQL config: %v", err))
	}
	if err := Migrate(config); err != nil {
		return nil, errors.StorageError("failed to migrate database", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid PostgreSQL DSN: %v", err))
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.ConnectionError("failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.ConnectionError("failed to ping database", err)
	}

	s := NewStore(pool)
	s.pool = pool
	return s, nil
}

// NewStore wraps an existing pool or transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db tx error: %w", err)
	}

	defer func() {
		switch err {
		case nil:
			err = tx.Commit(ctx)
		default:
			_ = tx.Rollback(ctx)
		}
	}()

	return fn(tx)
}

const tokenColumns = `id, principal_id, access_token, refresh_token, token_type, scope, raw, expires_at, created_at, updated_at, revoked_at`

const latestToken = `-- name: Latest token for principal
SELECT ` + tokenColumns + `
FROM tokens
WHERE principal_id = $1
ORDER BY created_at DESC, seq DESC
LIMIT 1`

func (s *Store) Latest(ctx context.Context, principalID string) (*oauth2.Token, error) {
	rows, _ := s.db.Query(ctx, latestToken, principalID)
	tok, err := pgx.CollectOneRow(rows, scanToken)

	switch {
	case err == nil:
		return tok, nil
	case stderrors.Is(err, pgx.ErrNoRows):
		return nil, nil
	default:
		return nil, errors.StorageError("failed to load token", err).WithContext("principal_id", principalID)
	}
}

const upsertToken = `-- name: Upsert token by id
INSERT INTO tokens (` + tokenColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    token_type = EXCLUDED.token_type,
    scope = EXCLUDED.scope,
    raw = EXCLUDED.raw,
    expires_at = EXCLUDED.expires_at,
    updated_at = EXCLUDED.updated_at,
    revoked_at = EXCLUDED.revoked_at`

func (s *Store) Save(ctx context.Context, token *oauth2.Token) error {
	if err := token.Validate(); err != nil {
		return err
	}
	token.Stamp(s.now())

	raw := token.Raw
	if raw == nil {
		raw = map[string]interface{}{}
	}

	_, err := s.db.Exec(ctx, upsertToken,
		token.ID, token.PrincipalID, token.AccessToken, token.RefreshToken, token.TokenType, token.Scope, raw,
		token.ExpiresAt, token.CreatedAt, token.UpdatedAt, nullableTime(token.RevokedAt))
	if err != nil {
		return errors.StorageError("failed to save token", err).WithContext("token_id", token.ID)
	}
	return nil
}

const expiringPrincipals = `-- name: Principals whose current token expires before $1
SELECT t.principal_id
FROM tokens t
WHERE t.revoked_at IS NULL
  AND t.expires_at < $1
  AND t.seq = (
    SELECT c.seq FROM tokens c
    WHERE c.principal_id = t.principal_id
    ORDER BY c.created_at DESC, c.seq DESC
    LIMIT 1
  )
ORDER BY t.expires_at ASC
LIMIT $2`

func (s *Store) ExpiringBefore(ctx context.Context, t time.Time, limit int) ([]string, error) {
	// LIMIT NULL means no limit in PostgreSQL.
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, _ := s.db.Query(ctx, expiringPrincipals, t, limitArg)
	principals, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.StorageError("failed to list expiring tokens", err)
	}
	if len(principals) == 0 {
		return nil, nil
	}
	return principals, nil
}

const insertAuditEvent = `-- name: Insert audit event
INSERT INTO audit_events (id, category, name, principal_id, correlation_id, details, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

// WriteEvents persists a batch of audit events in one transaction.
func (s *Store) WriteEvents(ctx context.Context, events []audit.Event) (err error) {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.StorageError("failed to begin audit transaction", err)
	}
	defer func() {
		switch err {
		case nil:
			if commitErr := tx.Commit(ctx); commitErr != nil {
				err = errors.StorageError("failed to commit audit events", commitErr)
			}
		default:
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]interface{}{}
		}
		batch.Queue(insertAuditEvent, e.ID, string(e.Category), e.Name, e.PrincipalID, e.CorrelationID, details, e.OccurredAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.StorageError("failed to insert audit events", err)
	}
	return nil
}

const recentAuditEvents = `-- name: Recent audit events for principal
SELECT id, category, name, principal_id, correlation_id, details, occurred_at
FROM audit_events
WHERE principal_id = $1
ORDER BY occurred_at DESC
LIMIT $2`

// RecentEvents returns up to limit audit events for principalID, newest first.
func (s *Store) RecentEvents(ctx context.Context, principalID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, _ := s.db.Query(ctx, recentAuditEvents, principalID, limit)
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Event, error) {
		var (
			e        audit.Event
			category string
		)
		err := row.Scan(&e.ID, &category, &e.Name, &e.PrincipalID, &e.CorrelationID, &e.Details, &e.OccurredAt)
		e.Category = audit.Category(category)
		return e, err
	})
	if err != nil {
		return nil, errors.StorageError("failed to query audit events", err)
	}
	return events, nil
}

func scanToken(row pgx.CollectableRow) (*oauth2.Token, error) {
	var (
		tok       oauth2.Token
		revokedAt *time.Time
	)
	err := row.Scan(&tok.ID, &tok.PrincipalID, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.Scope,
		&tok.Raw, &tok.ExpiresAt, &tok.CreatedAt, &tok.UpdatedAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	if len(tok.Raw) == 0 {
		tok.Raw = nil
	}
	if revokedAt != nil {
		tok.RevokedAt = *revokedAt
	}
	return &tok, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
