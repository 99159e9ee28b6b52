// Package utils holds small helpers shared across token-keeper: backoff schedules,
// cancellable sleeps, identifiers and duration parsing.
package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

// NewCorrelationID returns the id that ties together the audit events of one recovery.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewTokenID returns a collision-resistant id for a stored token row.
func NewTokenID() string {
	return cuid.New()
}

// GenerateRandomID generates a cryptographically secure random hex ID of the given length.
func GenerateRandomID(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
