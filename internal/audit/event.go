// Package audit records structured lifecycle events for tokens, provider calls and
// recovery decisions. Emitting an event never blocks the caller on the event's storage.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"token-keeper/internal/common/logging"
)

// Category groups audit events for downstream consumers.
type Category string

const (
	CategoryAuthentication  Category = "authentication"
	CategoryTokenManagement Category = "token_management"
	CategoryAPIOperations   Category = "api_operations"
	CategorySecurity        Category = "security"
	CategorySystem          Category = "system"
)

// Event is one audit record.
type Event struct {
	ID            string                 `json:"id"`
	Category      Category               `json:"category"`
	Name          string                 `json:"name"`
	PrincipalID   string                 `json:"principal_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

// Sink receives audit events.
type Sink interface {
	LogEvent(ctx context.Context, category Category, name string, details map[string]interface{})
}

// Writer persists batches of events.
type Writer interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// NewEvent builds an event, taking principal and correlation ids from details first
// and from ctx second. Secret values in details are redacted.
func NewEvent(ctx context.Context, category Category, name string, details map[string]interface{}) Event {
	event := Event{
		ID:         uuid.New().String(),
		Category:   category,
		Name:       name,
		Details:    maskSensitiveDetails(details),
		OccurredAt: time.Now().UTC(),
	}

	if v, ok := details["principal_id"].(string); ok {
		event.PrincipalID = v
	} else if v, ok := logging.PrincipalFromContext(ctx); ok {
		event.PrincipalID = v
	}

	if v, ok := details["correlation_id"].(string); ok {
		event.CorrelationID = v
	} else if v, ok := logging.CorrelationFromContext(ctx); ok {
		event.CorrelationID = v
	}

	return event
}

var sensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"client_secret": true,
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
	"code":          true,
	"authorization": true,
}

func maskSensitiveDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(details))
	for key, value := range details {
		if sensitiveFields[strings.ToLower(key)] {
			masked[key] = "***REDACTED***"
			continue
		}
		masked[key] = value
	}
	return masked
}
