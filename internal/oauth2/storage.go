package oauth2

import (
	"context"
	"sort"
	"sync"
	"time"

	"token-keeper/internal/common/errors"
	"token-keeper/internal/common/utils"
	"token-keeper/internal/crypto"
)

// TokenStore persists token records. Several records may exist per principal;
// the most recently created one is current.
type TokenStore interface {
	// Latest returns the current token for principalID, or nil without error when none exists.
	Latest(ctx context.Context, principalID string) (*Token, error)
	// Save inserts a token without an ID (assigning one) and updates it otherwise.
	Save(ctx context.Context, token *Token) error
	// ExpiringBefore lists principals whose current, unrevoked token expires before t, soonest first.
	ExpiringBefore(ctx context.Context, t time.Time, limit int) ([]string, error)
}

// Stamp prepares token for persistence at now. It assigns an ID and creation
// time to new records and reports whether the record is new.
func (t *Token) Stamp(now time.Time) bool {
	isNew := t.ID == ""
	if isNew {
		t.ID = utils.NewTokenID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return isNew
}

// MemoryTokenStore keeps token records in process memory.
// It is used for tests, development and single-instance deployments without a database.
type MemoryTokenStore struct {
	// records holds every record per principal in creation order
	records map[string][]*Token
	now     func() time.Time
	mu      sync.RWMutex
}

// NewMemoryTokenStore creates an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		records: make(map[string][]*Token),
		now:     time.Now,
	}
}

func (s *MemoryTokenStore) Latest(_ context.Context, principalID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[principalID]
	if len(records) == 0 {
		return nil, nil
	}
	return latestOf(records).Clone(), nil
}

func (s *MemoryTokenStore) Save(_ context.Context, token *Token) error {
	if err := token.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	isNew := token.Stamp(s.now())
	stored := token.Clone()

	records := s.records[token.PrincipalID]
	if !isNew {
		for i, existing := range records {
			if existing.ID == token.ID {
				records[i] = stored
				return nil
			}
		}
	}
	s.records[token.PrincipalID] = append(records, stored)
	return nil
}

func (s *MemoryTokenStore) ExpiringBefore(_ context.Context, t time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current []*Token
	for _, records := range s.records {
		if len(records) == 0 {
			continue
		}
		latest := latestOf(records)
		if latest.Revoked() || !latest.ExpiresAt.Before(t) {
			continue
		}
		current = append(current, latest)
	}

	sort.Slice(current, func(i, j int) bool { return current[i].ExpiresAt.Before(current[j].ExpiresAt) })

	principals := make([]string, 0, len(current))
	for _, tok := range current {
		if limit > 0 && len(principals) >= limit {
			break
		}
		principals = append(principals, tok.PrincipalID)
	}
	return principals, nil
}

// latestOf picks the newest record; later insertion wins ties.
func latestOf(records []*Token) *Token {
	latest := records[0]
	for _, r := range records[1:] {
		if !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	return latest
}

// EncryptedTokenStore encrypts the access and refresh credentials before they
// reach the wrapped store and decrypts them on the way out. Records written
// under a rotated-out key are re-encrypted with the primary key the next time
// they are saved.
type EncryptedTokenStore struct {
	inner  TokenStore
	cipher *crypto.TokenCipher
}

// NewEncryptedTokenStore wraps inner with cipher.
func NewEncryptedTokenStore(inner TokenStore, cipher *crypto.TokenCipher) *EncryptedTokenStore {
	return &EncryptedTokenStore{inner: inner, cipher: cipher}
}

func (s *EncryptedTokenStore) Latest(ctx context.Context, principalID string) (*Token, error) {
	stored, err := s.inner.Latest(ctx, principalID)
	if err != nil || stored == nil {
		return stored, err
	}

	token := stored.Clone()
	if token.AccessToken, err = s.cipher.Decrypt(stored.AccessToken); err != nil {
		return nil, errors.InternalError("decrypt access token", err).WithContext("token_id", stored.ID)
	}
	if token.RefreshToken, err = s.cipher.Decrypt(stored.RefreshToken); err != nil {
		return nil, errors.InternalError("decrypt refresh token", err).WithContext("token_id", stored.ID)
	}
	return token, nil
}

// Save encrypts a copy of token; the caller's value keeps its plaintext secrets
// and receives the assigned ID and timestamps.
func (s *EncryptedTokenStore) Save(ctx context.Context, token *Token) error {
	sealed := token.Clone()

	var err error
	if sealed.AccessToken, err = s.cipher.Encrypt(token.AccessToken); err != nil {
		return errors.InternalError("encrypt access token", err)
	}
	if sealed.RefreshToken, err = s.cipher.Encrypt(token.RefreshToken); err != nil {
		return errors.InternalError("encrypt refresh token", err)
	}

	if err := s.inner.Save(ctx, sealed); err != nil {
		return err
	}

	token.ID = sealed.ID
	token.CreatedAt = sealed.CreatedAt
	token.UpdatedAt = sealed.UpdatedAt
	return nil
}

func (s *EncryptedTokenStore) ExpiringBefore(ctx context.Context, t time.Time, limit int) ([]string, error) {
	return s.inner.ExpiringBefore(ctx, t, limit)
}
