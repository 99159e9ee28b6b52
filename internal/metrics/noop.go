package metrics

import "time"

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a new no-operation metrics recorder
func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordRefresh(outcome string, attempts int, duration time.Duration) {}
func (n *NoopMetrics) RecordRevocation(reason string)                                     {}
func (n *NoopMetrics) RecordRecovery(strategy string, success bool)                       {}
func (n *NoopMetrics) RecordAPICall(method string, status int, duration time.Duration)    {}
func (n *NoopMetrics) RecordBreakerTransition(name, from, to string)                      {}
func (n *NoopMetrics) RecordRefreshWait(outcome string, duration time.Duration)           {}
