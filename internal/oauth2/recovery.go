package oauth2

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/metrics"
)

// Operation names the step that failed.
type Operation string

const (
	// OperationRefresh is obtaining a usable token, including any refresh.
	OperationRefresh Operation = "refresh"
	// OperationRequest is the resource API call itself.
	OperationRequest Operation = "request"
)

// RecoveryFailed is the strategy name reported when recovery itself broke.
const RecoveryFailed = "recovery_failed"

// RecoveryContext describes the call that failed.
type RecoveryContext struct {
	CorrelationID string
	PrincipalID   string
	Operation     Operation
	Method        string
	Path          string
	// Attempt is the 1-indexed try of the original request that failed.
	Attempt     int
	MaxAttempts int
	// RefreshAttempted is set once a recovery refresh was made for this request.
	RefreshAttempted bool
	// Token is the token the failed call used, if any.
	Token *Token
}

// RecoveryResult tells the caller what happened and whether to retry.
type RecoveryResult struct {
	Strategy                  string        `json:"strategy"`
	Success                   bool          `json:"success"`
	CanRetry                  bool          `json:"can_retry"`
	RequiresUserAction        bool          `json:"requires_user_action"`
	RequiresAdminIntervention bool          `json:"requires_admin_intervention"`
	Waited                    time.Duration `json:"waited,omitempty"`
	RetryAfter                time.Duration `json:"retry_after,omitempty"`
	Message                   string        `json:"message,omitempty"`
}

// ShouldRetry reports whether the original request should be attempted again.
func (r RecoveryResult) ShouldRetry() bool {
	return r.Success && r.CanRetry
}

// Strategy reacts to one class of classified error.
type Strategy interface {
	Name() string
	CanHandle(err *ClassifiedError, rc *RecoveryContext) bool
	Execute(ctx context.Context, err *ClassifiedError, rc *RecoveryContext) (RecoveryResult, error)
}

// Dispatcher picks the first strategy that can handle an error and runs it.
// It never panics and never returns an error: failures inside a strategy are
// reported as a RecoveryFailed result that requires user action.
type Dispatcher struct {
	strategies []Strategy
	fallback   Strategy
	audit      audit.Sink
	metrics    metrics.Recorder
	logger     logging.Logger
}

// NewDispatcher creates a dispatcher trying strategies in order, then DefaultStrategy.
func NewDispatcher(strategies []Strategy, sink audit.Sink, recorder metrics.Recorder, logger logging.Logger) *Dispatcher {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if recorder == nil {
		recorder = metrics.NewNoopMetrics()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Dispatcher{
		strategies: strategies,
		fallback:   DefaultStrategy{},
		audit:      sink,
		metrics:    recorder,
		logger:     logger.WithFields(logging.String("component", "recovery_dispatcher")),
	}
}

// Handle classifies err if needed, selects a strategy and executes it.
// It emits two audit events sharing rc.CorrelationID: the error and the outcome.
func (d *Dispatcher) Handle(ctx context.Context, err error, rc RecoveryContext) (result RecoveryResult) {
	if rc.CorrelationID == "" {
		rc.CorrelationID = uuid.New().String()
	}
	ce := ClassifyTransport(err)
	if ce == nil {
		ce = newClassified(KindAuthentication, "recovery invoked without an error", nil)
	}

	d.audit.LogEvent(ctx, categoryFor(ce.Kind), "error_occurred", map[string]interface{}{
		"correlation_id": rc.CorrelationID,
		"principal_id":   rc.PrincipalID,
		"operation":      string(rc.Operation),
		"method":         rc.Method,
		"path":           rc.Path,
		"attempt":        rc.Attempt,
		"kind":           ce.Kind.String(),
		"error_code":     ce.Code,
		"status_code":    ce.StatusCode,
		"message":        ce.Message,
	})

	strategyName := "unselected"
	defer func() {
		if r := recover(); r != nil {
			result = d.failed(ctx, rc, strategyName, errors.InternalError("recovery strategy panicked", fmt.Errorf("%v", r)))
		}
	}()

	strategy := d.selectStrategy(ce, &rc)
	strategyName = strategy.Name()

	result, execErr := strategy.Execute(ctx, ce, &rc)
	if execErr != nil {
		return d.failed(ctx, rc, strategyName, execErr)
	}
	if result.Strategy == "" {
		result.Strategy = strategy.Name()
	}

	d.metrics.RecordRecovery(result.Strategy, result.Success)
	d.audit.LogEvent(ctx, audit.CategorySystem, "recovery_completed", map[string]interface{}{
		"correlation_id":              rc.CorrelationID,
		"principal_id":                rc.PrincipalID,
		"strategy":                    result.Strategy,
		"success":                     result.Success,
		"can_retry":                   result.CanRetry,
		"requires_user_action":        result.RequiresUserAction,
		"requires_admin_intervention": result.RequiresAdminIntervention,
		"waited_ms":                   result.Waited.Milliseconds(),
	})
	d.logger.WithContext(ctx).Debug("Recovery completed",
		logging.String("strategy", result.Strategy),
		logging.String("kind", ce.Kind.String()),
		logging.Bool("retry", result.ShouldRetry()))
	return result
}

func (d *Dispatcher) selectStrategy(ce *ClassifiedError, rc *RecoveryContext) Strategy {
	for _, s := range d.strategies {
		if s.CanHandle(ce, rc) {
			return s
		}
	}
	return d.fallback
}

func (d *Dispatcher) failed(ctx context.Context, rc RecoveryContext, strategy string, err error) RecoveryResult {
	d.logger.WithContext(ctx).Error("Recovery strategy failed", err, logging.String("strategy", strategy))
	d.metrics.RecordRecovery(RecoveryFailed, false)
	d.audit.LogEvent(ctx, audit.CategorySystem, "recovery_failed", map[string]interface{}{
		"correlation_id": rc.CorrelationID,
		"principal_id":   rc.PrincipalID,
		"strategy":       strategy,
		"error":          err.Error(),
	})
	return RecoveryResult{
		Strategy:           RecoveryFailed,
		RequiresUserAction: true,
		Message:            "recovery failed",
	}
}

func categoryFor(kind Kind) audit.Category {
	flags := kind.Flags()
	switch {
	case flags.RequiresReauthentication, kind == KindAccountDisabled:
		return audit.CategorySecurity
	case kind == KindInvalidAccessToken, kind == KindToken, kind == KindTokenRefresh:
		return audit.CategoryAuthentication
	case kind == KindConfiguration:
		return audit.CategorySystem
	default:
		return audit.CategoryAPIOperations
	}
}
