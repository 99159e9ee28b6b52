package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"token-keeper/internal/common/errors"
)

const (
	stateIssuer   = "token-keeper"
	stateAudience = "oauth-callback"

	// DefaultStateTTL bounds how long a user may take on the provider's consent page.
	DefaultStateTTL = 10 * time.Minute
)

// stateClaims binds an authorization request to the principal that started it.
type stateClaims struct {
	jwt.RegisteredClaims
}

// StateSigner issues and verifies the OAuth state parameter as an HS256 JWT.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed state value for principalID.
func (s *StateSigner) Issue(principalID string) (string, error) {
	if principalID == "" {
		return "", errors.ValidationError("principal is required")
	}

	now := s.now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    stateIssuer,
			Subject:   principalID,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.InternalError("failed to sign state", err)
	}
	return signed, nil
}

// Verify checks state's signature and expiry and returns the principal it was issued for.
func (s *StateSigner) Verify(state string) (string, error) {
	if state == "" {
		return "", errors.ValidationError("state is required")
	}

	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", &errors.AppError{Type: errors.ErrTypeValidation, Message: "invalid state", Cause: err}
	}
	if claims.Subject == "" {
		return "", errors.ValidationError("state carries no principal")
	}
	return claims.Subject, nil
}
