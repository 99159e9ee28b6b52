package oauth2

import (
	"context"
	"time"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/common/utils"
)

// Strategy names
const (
	StrategyTokenRefresh     = "token_refresh"
	StrategyReauthentication = "reauthentication"
	StrategyRateLimit        = "rate_limit"
	StrategyNetworkRetry     = "network_retry"
	StrategyDefault          = "default"
)

const (
	// DefaultRateLimitMaxWait is the longest a RateLimitStrategy will sleep.
	DefaultRateLimitMaxWait = 5 * time.Minute
	// MaxNetworkRetryDelay caps a single NetworkRetryStrategy delay.
	MaxNetworkRetryDelay = 5 * time.Minute
)

// TokenRefreshStrategy refreshes after the resource API rejected the access
// credential, then asks for one retry of the original request.
type TokenRefreshStrategy struct {
	coordinator *Coordinator
}

// NewTokenRefreshStrategy refreshes through coordinator.
func NewTokenRefreshStrategy(coordinator *Coordinator) *TokenRefreshStrategy {
	return &TokenRefreshStrategy{coordinator: coordinator}
}

// Name implements Strategy.
func (s *TokenRefreshStrategy) Name() string { return StrategyTokenRefresh }

// CanHandle accepts a rejected access token on a request that has not refreshed yet.
func (s *TokenRefreshStrategy) CanHandle(err *ClassifiedError, rc *RecoveryContext) bool {
	return err.Kind == KindInvalidAccessToken &&
		rc.Operation == OperationRequest &&
		!rc.RefreshAttempted &&
		rc.Token != nil && rc.Token.CanRefresh()
}

// Execute forces a refresh past the rejected access token.
func (s *TokenRefreshStrategy) Execute(ctx context.Context, _ *ClassifiedError, rc *RecoveryContext) (RecoveryResult, error) {
	rc.RefreshAttempted = true

	if _, err := s.coordinator.ForceRefresh(ctx, rc.PrincipalID, rc.Token.AccessToken); err != nil {
		flags := KindOf(err).Flags()
		return RecoveryResult{
			Success:                   false,
			CanRetry:                  false,
			RequiresUserAction:        flags.RequiresReauthentication,
			RequiresAdminIntervention: flags.RequiresAdminIntervention,
			Message:                   "token refresh failed: " + err.Error(),
		}, nil
	}

	return RecoveryResult{Success: true, CanRetry: true, Message: "token refreshed"}, nil
}

// Revoker soft-revokes a principal's current token. Coordinator implements it.
type Revoker interface {
	Revoke(ctx context.Context, principalID, reason string) error
}

// ReauthenticationStrategy handles failures only the user can fix by
// connecting again. Rejected refresh credentials are soft-revoked so nothing
// keeps presenting them.
type ReauthenticationStrategy struct {
	revoker Revoker
	audit   audit.Sink
	logger  logging.Logger
}

// NewReauthenticationStrategy revokes through coordinator. A nil sink or logger falls back to a no-op sink and the global logger.
func NewReauthenticationStrategy(coordinator *Coordinator, sink audit.Sink, logger logging.Logger) *ReauthenticationStrategy {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &ReauthenticationStrategy{audit: sink, logger: logger}
	if coordinator != nil {
		s.revoker = coordinator
	}
	return s
}

// Name implements Strategy.
func (s *ReauthenticationStrategy) Name() string { return StrategyReauthentication }

// CanHandle accepts kinds flagged as requiring reauthentication.
func (s *ReauthenticationStrategy) CanHandle(err *ClassifiedError, _ *RecoveryContext) bool {
	return err.Flags().RequiresReauthentication
}

// Execute records the failure and revokes the token when the token endpoint refused it.
func (s *ReauthenticationStrategy) Execute(ctx context.Context, err *ClassifiedError, rc *RecoveryContext) (RecoveryResult, error) {
	s.audit.LogEvent(ctx, audit.CategorySecurity, "reauthentication_required", map[string]interface{}{
		"correlation_id": rc.CorrelationID,
		"principal_id":   rc.PrincipalID,
		"kind":           err.Kind.String(),
		"error_code":     err.Code,
		"description":    err.Description,
	})

	if s.revoker != nil && rc.PrincipalID != "" && credentialRejected(err, rc) {
		if revokeErr := s.revoker.Revoke(ctx, rc.PrincipalID, err.Kind.String()); revokeErr != nil {
			s.logger.WithContext(ctx).Warn("Could not revoke rejected token",
				logging.String("principal_id", rc.PrincipalID), logging.Err(revokeErr))
		}
	}

	return RecoveryResult{
		Success:            false,
		CanRetry:           false,
		RequiresUserAction: true,
		Message:            "user must reauthenticate",
	}, nil
}

// credentialRejected reports whether the token endpoint refused the refresh
// credential. A resource API 403 only says the principal cannot reach that
// resource, so the token stays usable for everything else.
func credentialRejected(err *ClassifiedError, rc *RecoveryContext) bool {
	switch err.Kind {
	case KindInvalidRefreshToken:
		return true
	case KindAccessRevoked:
		return rc.Operation == OperationRefresh
	}
	return false
}

// RateLimitStrategy waits out the provider's Retry-After hint, then allows a retry.
// Hints longer than maxWait are not slept through; the result carries the hint instead.
type RateLimitStrategy struct {
	maxWait     time.Duration
	defaultWait time.Duration
	sleep       utils.Sleeper
}

// NewRateLimitStrategy sleeps through hints up to maxWait, DefaultRateLimitMaxWait when maxWait <= 0.
func NewRateLimitStrategy(maxWait time.Duration, sleep utils.Sleeper) *RateLimitStrategy {
	if maxWait <= 0 {
		maxWait = DefaultRateLimitMaxWait
	}
	if sleep == nil {
		sleep = utils.Sleep
	}
	return &RateLimitStrategy{maxWait: maxWait, defaultWait: DefaultRetryAfter, sleep: sleep}
}

// Name implements Strategy.
func (s *RateLimitStrategy) Name() string { return StrategyRateLimit }

// CanHandle accepts rate limited resource requests.
func (s *RateLimitStrategy) CanHandle(err *ClassifiedError, rc *RecoveryContext) bool {
	return err.Kind == KindRateLimit && rc.Operation == OperationRequest
}

// Execute waits out the hint, or DefaultRetryAfter when the server gave none.
func (s *RateLimitStrategy) Execute(ctx context.Context, err *ClassifiedError, rc *RecoveryContext) (RecoveryResult, error) {
	wait := err.RetryAfter
	if wait <= 0 {
		wait = s.defaultWait
	}

	if attemptsExhausted(rc) {
		return RecoveryResult{RetryAfter: wait, Message: "retry attempts exhausted"}, nil
	}
	if wait > s.maxWait {
		return RecoveryResult{RetryAfter: wait, Message: "retry-after exceeds the maximum wait"}, nil
	}

	if sleepErr := s.sleep(ctx, wait); sleepErr != nil {
		return RecoveryResult{Message: "wait cancelled"}, nil
	}
	return RecoveryResult{Success: true, CanRetry: true, Waited: wait, Message: "rate limit wait elapsed"}, nil
}

// NetworkRetryStrategy backs off after transport and server failures.
type NetworkRetryStrategy struct {
	backoff     utils.Backoff
	maxAttempts int
	maxDelay    time.Duration
	sleep       utils.Sleeper
}

// NewNetworkRetryStrategy retries up to maxAttempts, DefaultRefreshAttempts when maxAttempts <= 0.
func NewNetworkRetryStrategy(maxAttempts int, sleep utils.Sleeper) *NetworkRetryStrategy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRefreshAttempts
	}
	if sleep == nil {
		sleep = utils.Sleep
	}
	return &NetworkRetryStrategy{
		backoff:     utils.RefreshBackoff(),
		maxAttempts: maxAttempts,
		maxDelay:    MaxNetworkRetryDelay,
		sleep:       sleep,
	}
}

// Name implements Strategy.
func (s *NetworkRetryStrategy) Name() string { return StrategyNetworkRetry }

// CanHandle accepts network and server failures on resource requests.
func (s *NetworkRetryStrategy) CanHandle(err *ClassifiedError, rc *RecoveryContext) bool {
	return (err.Kind == KindNetwork || err.Kind == KindServer) && rc.Operation == OperationRequest
}

// Execute sleeps one backoff step, stretched to any RetryAfter and capped at MaxNetworkRetryDelay.
func (s *NetworkRetryStrategy) Execute(ctx context.Context, err *ClassifiedError, rc *RecoveryContext) (RecoveryResult, error) {
	if rc.Attempt >= s.maxAttempts || attemptsExhausted(rc) {
		return RecoveryResult{Message: "retry attempts exhausted"}, nil
	}

	delay := s.backoff.Delay(rc.Attempt)
	if err.RetryAfter > delay {
		delay = err.RetryAfter
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}

	if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
		return RecoveryResult{Message: "backoff cancelled"}, nil
	}
	return RecoveryResult{Success: true, CanRetry: true, Waited: delay, Message: "backoff elapsed"}, nil
}

// DefaultStrategy matches everything and never retries.
type DefaultStrategy struct{}

// Name implements Strategy.
func (DefaultStrategy) Name() string { return StrategyDefault }

// CanHandle accepts every error.
func (DefaultStrategy) CanHandle(*ClassifiedError, *RecoveryContext) bool { return true }

// Execute reports the error flags without retrying.
func (DefaultStrategy) Execute(_ context.Context, err *ClassifiedError, rc *RecoveryContext) (RecoveryResult, error) {
	flags := err.Flags()
	result := RecoveryResult{
		RequiresAdminIntervention: flags.RequiresAdminIntervention,
		RequiresUserAction:        flags.RequiresReauthentication,
		Message:                   "no recovery available",
	}
	// A credential the provider still rejects after a refresh needs a new consent.
	if err.Kind == KindInvalidAccessToken && rc.RefreshAttempted {
		result.RequiresUserAction = true
	}
	if flags.RequiresAdminIntervention {
		result.Message = "administrator intervention required"
	}
	return result, nil
}

func attemptsExhausted(rc *RecoveryContext) bool {
	return rc.MaxAttempts > 0 && rc.Attempt >= rc.MaxAttempts
}

// DefaultStrategies returns the standard priority order ahead of DefaultStrategy.
func DefaultStrategies(coordinator *Coordinator, maxAttempts int, rateLimitMaxWait time.Duration, sleep utils.Sleeper, sink audit.Sink, logger logging.Logger) []Strategy {
	return []Strategy{
		NewTokenRefreshStrategy(coordinator),
		NewReauthenticationStrategy(coordinator, sink, logger),
		NewRateLimitStrategy(rateLimitMaxWait, sleep),
		NewNetworkRetryStrategy(maxAttempts, sleep),
	}
}
