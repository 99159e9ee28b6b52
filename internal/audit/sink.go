package audit

import (
	"context"
	"sort"
	"sync"

	"token-keeper/internal/common/logging"
)

// LogSink mirrors audit events to the structured logger.
type LogSink struct {
	logger logging.Logger
}

// NewLogSink creates a sink writing to logger, or to the global logger when nil.
func NewLogSink(logger logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogSink{logger: logger.WithFields(logging.String("component", "audit"))}
}

func (s *LogSink) LogEvent(ctx context.Context, category Category, name string, details map[string]interface{}) {
	event := NewEvent(ctx, category, name, details)
	s.write(event)
}

func (s *LogSink) write(event Event) {
	fields := []logging.Field{
		logging.String("event_id", event.ID),
		logging.String("category", string(event.Category)),
		logging.String("event", event.Name),
	}
	if event.PrincipalID != "" {
		fields = append(fields, logging.String("principal_id", event.PrincipalID))
	}
	if event.CorrelationID != "" {
		fields = append(fields, logging.String("correlation_id", event.CorrelationID))
	}

	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		if k == "principal_id" || k == "correlation_id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, logging.Any(k, event.Details[k]))
	}

	if event.Category == CategorySecurity {
		s.logger.Warn("audit event", fields...)
		return
	}
	s.logger.Info("audit event", fields...)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) LogEvent(context.Context, Category, string, map[string]interface{}) {}

type multiSink []Sink

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) LogEvent(ctx context.Context, category Category, name string, details map[string]interface{}) {
	for _, s := range m {
		s.LogEvent(ctx, category, name, details)
	}
}

// MemorySink keeps events in memory. It backs the admin event listing when no
// database is configured and is convenient in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemorySink keeps at most limit events, dropping the oldest. limit <= 0 keeps everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (m *MemorySink) LogEvent(ctx context.Context, category Category, name string, details map[string]interface{}) {
	event := NewEvent(ctx, category, name, details)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
}

// WriteEvents lets MemorySink act as the target of an AsyncSink.
func (m *MemorySink) WriteEvents(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns the recorded events with the given name.
func (m *MemorySink) Named(name string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// RecentEvents returns up to limit events about principalID, newest first.
func (m *MemorySink) RecentEvents(_ context.Context, principalID string, limit int) ([]Event, error) {
	events := m.Events()
	var out []Event
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].PrincipalID != principalID {
			continue
		}
		out = append(out, events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
