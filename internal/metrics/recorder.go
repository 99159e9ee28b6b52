// Package metrics records token lifecycle and provider call metrics.
package metrics

import "time"

// Recorder defines the interface for recording token-keeper metrics.
// Implementations are Metrics (Prometheus) and NoopMetrics.
type Recorder interface {
	// Token lifecycle
	RecordRefresh(outcome string, attempts int, duration time.Duration)
	RecordRevocation(reason string)

	// Recovery
	RecordRecovery(strategy string, success bool)

	// Provider calls
	RecordAPICall(method string, status int, duration time.Duration)
	RecordBreakerTransition(name, from, to string)

	// Coordination
	RecordRefreshWait(outcome string, duration time.Duration)
}

// Init returns a Prometheus recorder when enabled and a no-op recorder otherwise.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}
	return NewMetrics(nil)
}
