package oauth2

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of provider failure classes.
type Kind int

const (
	// KindAuthentication is the catch-all for failures no other kind describes.
	KindAuthentication Kind = iota
	KindToken
	KindInvalidRefreshToken
	KindInvalidAccessToken
	KindTokenExchange
	KindTokenRefresh
	KindAccessRevoked
	KindAccountDisabled
	KindRateLimit
	KindNetwork
	KindServer
	KindConfiguration
	KindScope
)

var kindNames = map[Kind]string{
	KindAuthentication:      "authentication_error",
	KindToken:               "token_error",
	KindInvalidRefreshToken: "invalid_refresh_token",
	KindInvalidAccessToken:  "invalid_access_token",
	KindTokenExchange:       "token_exchange_error",
	KindTokenRefresh:        "token_refresh_error",
	KindAccessRevoked:       "access_revoked",
	KindAccountDisabled:     "account_disabled",
	KindRateLimit:           "rate_limit",
	KindNetwork:             "network_error",
	KindServer:              "server_error",
	KindConfiguration:       "configuration_error",
	KindScope:               "scope_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Flags are the recovery hints attached to every kind. They are fixed per kind.
type Flags struct {
	RequiresReauthentication  bool
	CanRetryWithRefresh       bool
	CanRetry                  bool
	RequiresAdminIntervention bool
}

var kindFlags = map[Kind]Flags{
	KindAuthentication:      {},
	KindToken:               {},
	KindInvalidRefreshToken: {RequiresReauthentication: true},
	KindInvalidAccessToken:  {CanRetryWithRefresh: true},
	KindTokenExchange:       {RequiresReauthentication: true},
	KindTokenRefresh:        {},
	KindAccessRevoked:       {RequiresReauthentication: true},
	KindAccountDisabled:     {RequiresAdminIntervention: true},
	KindRateLimit:           {CanRetry: true},
	KindNetwork:             {CanRetry: true},
	KindServer:              {CanRetry: true},
	KindConfiguration:       {RequiresAdminIntervention: true},
	KindScope:               {RequiresReauthentication: true},
}

// Flags returns the recovery hints for k.
func (k Kind) Flags() Flags {
	return kindFlags[k]
}

// Sentinels matched by ClassifiedError.Is according to its kind's flags.
var (
	ErrReauthenticationRequired  = stderrors.New("reauthentication required")
	ErrAdminInterventionRequired = stderrors.New("admin intervention required")
	ErrRetryable                 = stderrors.New("retryable provider failure")
)

// ClassifiedError is a provider failure mapped onto the Kind taxonomy.
// Values are produced by the classifier and the refresh machinery only.
type ClassifiedError struct {
	Kind        Kind
	Message     string
	Code        string
	Description string
	StatusCode  int
	Body        string
	RetryAfter  time.Duration
	Cause       error
}

func newClassified(kind Kind, message string, cause error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Message)

	var details []string
	if e.Code != "" {
		details = append(details, "code="+e.Code)
	}
	if e.StatusCode != 0 {
		details = append(details, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.RetryAfter > 0 {
		details = append(details, "retry_after="+e.RetryAfter.String())
	}
	if len(details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(details, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Flags returns the recovery hints for the error's kind.
func (e *ClassifiedError) Flags() Flags {
	return e.Kind.Flags()
}

// Is matches the flag sentinels so callers can branch with errors.Is.
func (e *ClassifiedError) Is(target error) bool {
	flags := e.Flags()
	switch target {
	case ErrReauthenticationRequired:
		return flags.RequiresReauthentication
	case ErrAdminInterventionRequired:
		return flags.RequiresAdminIntervention
	case ErrRetryable:
		return flags.CanRetry || flags.CanRetryWithRefresh
	}
	return false
}

// AsClassified finds the first ClassifiedError in err's chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindAuthentication when err is not classified.
func KindOf(err error) Kind {
	if ce, ok := AsClassified(err); ok {
		return ce.Kind
	}
	return KindAuthentication
}
