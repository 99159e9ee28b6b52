// Package sqlite persists token records and audit events in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/oauth2"
)

// Store implements oauth2.TokenStore and audit.Writer.
type Store struct {
	db     *sql.DB
	config *Config
	now    func() time.Time
}

// NewStore opens the database and applies the schema.
func NewStore(config *Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid SQLite config: %v", err))
	}

	db, err := sql.Open("sqlite3", config.GetConnectionString())
	if err != nil {
		return nil, errors.ConnectionError("failed to open database", err)
	}
	// SQLite allows one writer; serialising here avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.ConnectionError("failed to ping database", err)
	}

	s := &Store{db: db, config: config, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.StorageError("failed to migrate database", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			principal_id TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL DEFAULT '',
			raw TEXT NOT NULL DEFAULT '{}',
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			revoked_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_principal_created ON tokens(principal_id, created_at DESC, seq DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			principal_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			occurred_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON audit_events(principal_id, occurred_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

const tokenColumns = `id, principal_id, access_token, refresh_token, token_type, scope, raw, expires_at, created_at, updated_at, revoked_at`

// Latest returns the principal's most recently created record.
func (s *Store) Latest(ctx context.Context, principalID string) (*oauth2.Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens
		WHERE principal_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`, principalID)

	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("failed to load token", err).WithContext("principal_id", principalID)
	}
	return tok, nil
}

// Save inserts a new record or updates the existing one with the same id.
func (s *Store) Save(ctx context.Context, token *oauth2.Token) error {
	if err := token.Validate(); err != nil {
		return err
	}
	token.Stamp(s.now())

	raw, err := json.Marshal(token.Raw)
	if err != nil {
		return errors.StorageError("failed to encode raw token response", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			raw = excluded.raw,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			revoked_at = excluded.revoked_at`,
		token.ID, token.PrincipalID, token.AccessToken, token.RefreshToken, token.TokenType, token.Scope, string(raw),
		token.ExpiresAt.UnixMicro(), token.CreatedAt.UnixMicro(), token.UpdatedAt.UnixMicro(), nullableTime(token.RevokedAt))
	if err != nil {
		return errors.StorageError("failed to save token", err).WithContext("token_id", token.ID)
	}
	return nil
}

// ExpiringBefore lists principals whose current, unrevoked record expires before t.
func (s *Store) ExpiringBefore(ctx context.Context, t time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `SELECT t.principal_id FROM tokens t
		WHERE t.revoked_at IS NULL
		AND t.expires_at < ?
		AND t.seq = (
			SELECT c.seq FROM tokens c
			WHERE c.principal_id = t.principal_id
			ORDER BY c.created_at DESC, c.seq DESC
			LIMIT 1
		)
		ORDER BY t.expires_at ASC
		LIMIT ?`, t.UnixMicro(), limit)
	if err != nil {
		return nil, errors.StorageError("failed to list expiring tokens", err)
	}
	defer rows.Close()

	var principals []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.StorageError("failed to scan principal", err)
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

// WriteEvents persists a batch of audit events in one transaction.
func (s *Store) WriteEvents(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError("failed to begin audit transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO audit_events
		(id, category, name, principal_id, correlation_id, details, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.StorageError("failed to prepare audit insert", err)
	}
	defer stmt.Close()

	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return errors.StorageError("failed to encode audit details", err).WithContext("event_id", e.ID)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Category), e.Name, e.PrincipalID, e.CorrelationID,
			string(details), e.OccurredAt.UnixMicro()); err != nil {
			return errors.StorageError("failed to insert audit event", err).WithContext("event_id", e.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError("failed to commit audit events", err)
	}
	return nil
}

// RecentEvents returns up to limit audit events for principalID, newest first.
func (s *Store) RecentEvents(ctx context.Context, principalID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, category, name, principal_id, correlation_id, details, occurred_at
		FROM audit_events
		WHERE principal_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?`, principalID, limit)
	if err != nil {
		return nil, errors.StorageError("failed to query audit events", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e          audit.Event
			category   string
			details    string
			occurredAt int64
		)
		if err := rows.Scan(&e.ID, &category, &e.Name, &e.PrincipalID, &e.CorrelationID, &details, &occurredAt); err != nil {
			return nil, errors.StorageError("failed to scan audit event", err)
		}
		e.Category = audit.Category(category)
		e.OccurredAt = time.UnixMicro(occurredAt).UTC()
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, errors.StorageError("failed to decode audit details", err).WithContext("event_id", e.ID)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row scanner) (*oauth2.Token, error) {
	var (
		tok                            oauth2.Token
		raw                            string
		expiresAt, createdAt, updateAt int64
		revokedAt                      sql.NullInt64
	)
	if err := row.Scan(&tok.ID, &tok.PrincipalID, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &tok.Scope,
		&raw, &expiresAt, &createdAt, &updateAt, &revokedAt); err != nil {
		return nil, err
	}

	if raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &tok.Raw); err != nil {
			return nil, fmt.Errorf("decode raw token response: %w", err)
		}
	}
	tok.ExpiresAt = time.UnixMicro(expiresAt).UTC()
	tok.CreatedAt = time.UnixMicro(createdAt).UTC()
	tok.UpdatedAt = time.UnixMicro(updateAt).UTC()
	if revokedAt.Valid {
		tok.RevokedAt = time.UnixMicro(revokedAt.Int64).UTC()
	}
	return &tok, nil
}

func nullableTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}
