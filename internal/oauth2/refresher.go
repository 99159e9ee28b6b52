package oauth2

import (
	"context"
	"time"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/common/utils"
	"token-keeper/internal/metrics"
)

// DefaultRefreshAttempts is the number of token endpoint exchanges one refresh may make.
const DefaultRefreshAttempts = 3

// DefaultRefreshMaxWait caps a single wait between refresh attempts. A longer
// Retry-After hint ends the refresh with the rate limit error instead.
const DefaultRefreshMaxWait = 30 * time.Second

// TokenExchanger performs the refresh_token grant.
type TokenExchanger interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Refresher runs the refresh exchange for one token with bounded retry.
type Refresher struct {
	exchanger   TokenExchanger
	backoff     utils.Backoff
	maxAttempts int
	maxWait     time.Duration
	sleep       utils.Sleeper
	now         func() time.Time
	audit       audit.Sink
	metrics     metrics.Recorder
	logger      logging.Logger
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshBackoff sets the delay schedule between attempts.
func WithRefreshBackoff(b utils.Backoff) RefresherOption {
	return func(r *Refresher) { r.backoff = b }
}

// WithRefreshAttempts sets the attempt limit. Values below one are ignored.
func WithRefreshAttempts(n int) RefresherOption {
	return func(r *Refresher) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRefreshMaxWait caps a single wait between attempts. Values below one are ignored.
func WithRefreshMaxWait(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

// WithRefreshSleeper replaces the sleeper used between attempts.
func WithRefreshSleeper(s utils.Sleeper) RefresherOption {
	return func(r *Refresher) { r.sleep = s }
}

// WithRefreshClock replaces the clock used for expiry and durations.
func WithRefreshClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// WithRefreshAudit sets the sink for refresh outcome events.
func WithRefreshAudit(sink audit.Sink) RefresherOption {
	return func(r *Refresher) { r.audit = sink }
}

// WithRefreshMetrics sets the recorder for refresh outcomes.
func WithRefreshMetrics(m metrics.Recorder) RefresherOption {
	return func(r *Refresher) { r.metrics = m }
}

// WithRefreshLogger sets the logger.
func WithRefreshLogger(l logging.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// NewRefresher creates a refresher using exchanger for the network call.
func NewRefresher(exchanger TokenExchanger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		exchanger:   exchanger,
		backoff:     utils.RefreshBackoff(),
		maxAttempts: DefaultRefreshAttempts,
		maxWait:     DefaultRefreshMaxWait,
		sleep:       utils.Sleep,
		now:         time.Now,
		audit:       audit.NopSink{},
		metrics:     metrics.NewNoopMetrics(),
		logger:      logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(logging.String("component", "token_refresher"))
	return r
}

// Refresh exchanges token's refresh credential and applies the result to token
// in place. Server, network and rate limit failures are retried with backoff;
// every other failure ends the refresh at once. A wait that does not fit the
// context deadline or the max wait ends the refresh with the last error, which
// for a rate limit still carries the server's RetryAfter. The returned error is always a
// *ClassifiedError. Persisting the updated token is the caller's job.
func (r *Refresher) Refresh(ctx context.Context, token *Token) error {
	start := r.now()
	logger := r.logger.WithContext(ctx).WithFields(logging.String("principal_id", token.PrincipalID))

	if !token.CanRefresh() {
		message := "token has no refresh credential"
		if token.Revoked() {
			message = "token was revoked"
		}
		ce := newClassified(KindInvalidRefreshToken, message, nil)
		r.finish(ctx, token, start, 0, ce)
		return ce
	}

	var lastErr *ClassifiedError
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.exchanger.RefreshToken(ctx, token.RefreshToken)
		if err == nil {
			token.Apply(resp, r.now())
			r.finish(ctx, token, start, attempt, nil)
			return nil
		}

		lastErr = ClassifyTransport(err)
		if ctx.Err() != nil || !retryableDuringRefresh(lastErr.Kind) || attempt == r.maxAttempts {
			r.finish(ctx, token, start, attempt, lastErr)
			return lastErr
		}

		delay := r.backoff.Delay(attempt)
		if lastErr.Kind == KindRateLimit && lastErr.RetryAfter > delay {
			delay = lastErr.RetryAfter
		}
		if budget := r.waitBudget(ctx); delay > budget {
			logger.Warn("Token refresh retry wait exceeds budget, giving up",
				logging.String("kind", lastErr.Kind.String()),
				logging.Duration("delay", delay),
				logging.Duration("budget", budget))
			r.finish(ctx, token, start, attempt, lastErr)
			return lastErr
		}

		logger.Warn("Token refresh failed, retrying",
			logging.String("kind", lastErr.Kind.String()),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay))

		if err := r.sleep(ctx, delay); err != nil {
			ce := ClassifyTransport(err)
			r.finish(ctx, token, start, attempt, ce)
			return ce
		}
	}

	// unreachable while maxAttempts >= 1
	return lastErr
}

// waitBudget is the longest the refresher may sleep before the next attempt.
func (r *Refresher) waitBudget(ctx context.Context) time.Duration {
	budget := r.maxWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	return budget
}

func retryableDuringRefresh(kind Kind) bool {
	switch kind {
	case KindServer, KindNetwork, KindRateLimit:
		return true
	}
	return false
}

// finish emits the single audit event and metric for a terminal refresh outcome.
func (r *Refresher) finish(ctx context.Context, token *Token, start time.Time, attempts int, failure *ClassifiedError) {
	duration := r.now().Sub(start)
	details := map[string]interface{}{
		"principal_id": token.PrincipalID,
		"token_id":     token.ID,
		"attempts":     attempts,
		"duration_ms":  duration.Milliseconds(),
	}

	if failure == nil {
		details["expires_at"] = token.ExpiresAt.UTC().Format(time.RFC3339)
		r.audit.LogEvent(ctx, audit.CategoryTokenManagement, "token_refreshed", details)
		r.metrics.RecordRefresh("success", attempts, duration)
		r.logger.WithContext(ctx).Info("Token refreshed",
			logging.String("principal_id", token.PrincipalID),
			logging.Int("attempts", attempts),
			logging.Duration("duration", duration))
		return
	}

	details["kind"] = failure.Kind.String()
	details["error"] = failure.Message
	if failure.Code != "" {
		details["error_code"] = failure.Code
	}
	if failure.StatusCode != 0 {
		details["status_code"] = failure.StatusCode
	}
	r.audit.LogEvent(ctx, audit.CategoryTokenManagement, "token_refresh_failed", details)
	r.metrics.RecordRefresh(failure.Kind.String(), attempts, duration)
	r.logger.WithContext(ctx).Error("Token refresh failed", failure,
		logging.String("principal_id", token.PrincipalID),
		logging.Int("attempts", attempts))
}
