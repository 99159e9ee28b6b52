package logging

import "context"

type ctxKey int

const (
	principalKey ctxKey = iota
	correlationKey
)

// ContextWithPrincipal tags ctx with the principal whose token is in use.
func ContextWithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey, principalID)
}

// ContextWithCorrelation tags ctx with a recovery correlation id.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationID)
}

// PrincipalFromContext returns the principal tagged on ctx, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(principalKey).(string)
	return v, ok && v != ""
}

// CorrelationFromContext returns the correlation id tagged on ctx, if any.
func CorrelationFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationKey).(string)
	return v, ok && v != ""
}
