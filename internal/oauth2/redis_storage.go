package oauth2

import (
	"context"
	"time"

	"token-keeper/internal/common/errors"
	"token-keeper/internal/redis"
)

// RedisTokenStore keeps token records in Redis so every instance of the service
// sees the same current token.
//
// Layout under the prefix:
//   - token:{id}            JSON record
//   - principal:{principal} id of the current record
//   - expiry                sorted set of principals scored by current expiry (unix millis)
type RedisTokenStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisTokenStore creates a store using the "token-keeper:" key prefix.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{
		client: client,
		prefix: "token-keeper:",
		now:    time.Now,
	}
}

func (s *RedisTokenStore) tokenKey(id string) string {
	return s.prefix + "token:" + id
}

func (s *RedisTokenStore) principalKey(principalID string) string {
	return s.prefix + "principal:" + principalID
}

func (s *RedisTokenStore) expiryIndex() string {
	return s.prefix + "expiry"
}

// Latest loads the record the principal pointer refers to.
func (s *RedisTokenStore) Latest(ctx context.Context, principalID string) (*Token, error) {
	id, err := s.client.Get(ctx, s.principalKey(principalID))
	if err != nil {
		if redis.IsNil(err) {
			return nil, nil
		}
		return nil, errors.StorageError("load current token id", err).WithContext("principal_id", principalID)
	}

	var token Token
	if err := s.client.GetJSON(ctx, s.tokenKey(id), &token); err != nil {
		if redis.IsNil(err) {
			return nil, nil
		}
		return nil, errors.StorageError("load token", err).WithContext("token_id", id)
	}
	return &token, nil
}

// Save writes the record. A new record becomes the principal's current token;
// the expiry index only tracks current, unrevoked records.
func (s *RedisTokenStore) Save(ctx context.Context, token *Token) error {
	if err := token.Validate(); err != nil {
		return err
	}

	isNew := token.Stamp(s.now())

	current := isNew
	if !isNew {
		id, err := s.client.Get(ctx, s.principalKey(token.PrincipalID))
		if err != nil && !redis.IsNil(err) {
			return errors.StorageError("load current token id", err)
		}
		current = id == token.ID || redis.IsNil(err)
	}

	key := s.tokenKey(token.ID)
	switch {
	case current && !token.Revoked():
		err := s.client.SetIndexed(ctx, key, token, 0, s.expiryIndex(), token.PrincipalID, float64(token.ExpiresAt.UnixMilli()))
		if err != nil {
			return errors.StorageError("save token", err).WithContext("token_id", token.ID)
		}
	default:
		if err := s.client.Set(ctx, key, token, 0); err != nil {
			return errors.StorageError("save token", err).WithContext("token_id", token.ID)
		}
		if current {
			if err := s.client.RemoveFromIndex(ctx, s.expiryIndex(), token.PrincipalID); err != nil {
				return errors.StorageError("update expiry index", err)
			}
		}
	}

	if current {
		if err := s.client.Set(ctx, s.principalKey(token.PrincipalID), token.ID, 0); err != nil {
			return errors.StorageError("point principal at token", err).WithContext("token_id", token.ID)
		}
	}
	return nil
}

func (s *RedisTokenStore) ExpiringBefore(ctx context.Context, t time.Time, limit int) ([]string, error) {
	// RangeByScore is inclusive; ExpiresAt must be strictly before t.
	principals, err := s.client.RangeByScore(ctx, s.expiryIndex(), float64(t.UnixMilli()-1), int64(limit))
	if err != nil {
		return nil, errors.StorageError("query expiry index", err)
	}
	return principals, nil
}
