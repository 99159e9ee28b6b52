// Package circuitbreaker guards calls to the identity provider with Sony's gobreaker.
//
// A Breaker opens after Threshold consecutive failures and rejects calls with
// ErrOpen until OpenDuration has elapsed. It then lets exactly one trial call through:
// a successful trial closes the circuit, a failed one reopens it.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"token-keeper/internal/common/logging"
)

// ErrOpen is returned without invoking the operation while the circuit is open,
// or while the single half-open trial call is already in flight.
var ErrOpen = stderrors.New("circuit breaker is open")

// Config holds the configuration for a circuit breaker
type Config struct {
	// Threshold is the number of consecutive failures that opens the circuit
	Threshold int
	// OpenDuration is how long the circuit stays open before allowing a trial call
	OpenDuration time.Duration
	// IsSuccessful decides whether an operation error counts against the breaker.
	// Nil errors always succeed. Defaults to treating only context cancellation as success.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns the configuration used for the provider token endpoint
func DefaultConfig() Config {
	return Config{
		Threshold:    5,
		OpenDuration: 60 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", c.Threshold)
	}
	if c.OpenDuration <= 0 {
		return fmt.Errorf("open duration must be positive, got %v", c.OpenDuration)
	}
	return nil
}

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed means calls pass through
	StateClosed State = iota
	// StateOpen means calls are rejected with ErrOpen
	StateOpen
	// StateHalfOpen means one trial call is allowed to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Threshold           int        `json:"threshold"`
	OpenDuration        string     `json:"open_duration"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// StateListener is notified after every state transition
type StateListener func(name string, from, to State)

// Breaker wraps a gobreaker.CircuitBreaker
type Breaker struct {
	name     string
	config   Config
	logger   logging.Logger
	listener StateListener

	// mu guards the cb pointer; gobreaker serialises its own counters.
	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker

	// openedMu is never held across gobreaker calls: OnStateChange runs
	// under gobreaker's internal lock.
	openedMu sync.Mutex
	openedAt time.Time
}

// New creates a breaker. Invalid configurations fall back to DefaultConfig.
func New(name string, config Config, logger logging.Logger, listener StateListener) *Breaker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults",
			logging.String("breaker", name),
			logging.Err(err),
		)
		isSuccessful := config.IsSuccessful
		config = DefaultConfig()
		config.IsSuccessful = isSuccessful
	}

	b := &Breaker{
		name:     name,
		config:   config,
		logger:   logger,
		listener: listener,
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	return b
}

func (b *Breaker) settings() gobreaker.Settings {
	threshold := uint32(b.config.Threshold)
	isSuccessful := b.config.IsSuccessful

	return gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     b.config.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if isSuccessful != nil {
				return isSuccessful(err)
			}
			return stderrors.Is(err, context.Canceled)
		},
		OnStateChange: b.onStateChange,
	}
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.openedMu.Lock()
	if to == gobreaker.StateOpen {
		b.openedAt = time.Now()
	} else if to == gobreaker.StateClosed {
		b.openedAt = time.Time{}
	}
	b.openedMu.Unlock()

	b.logger.Info("Circuit breaker state changed",
		logging.String("breaker", name),
		logging.String("from", fromGobreaker(from).String()),
		logging.String("to", fromGobreaker(to).String()),
	)

	if b.listener != nil {
		b.listener(name, fromGobreaker(from), fromGobreaker(to))
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn through the breaker. While open it returns an error wrapping
// ErrOpen and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through b and returns its result.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	result, err := b.current().Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if err != nil {
		if v, ok := result.(T); ok {
			return v, err
		}
		return zero, err
	}

	v, _ := result.(T)
	return v, nil
}

// State returns the current state. Reading it may move an expired open breaker to half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.current().State())
}

func (b *Breaker) current() *gobreaker.CircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// IsOpen returns true if the circuit breaker is open
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Snapshot returns current statistics
func (b *Breaker) Snapshot() Snapshot {
	cb := b.current()
	state := fromGobreaker(cb.State())
	counts := cb.Counts()

	b.openedMu.Lock()
	openedAt := b.openedAt
	b.openedMu.Unlock()

	s := Snapshot{
		Name:                b.name,
		State:               state.String(),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		Threshold:           b.config.Threshold,
		OpenDuration:        b.config.OpenDuration.String(),
	}
	if !openedAt.IsZero() {
		s.OpenedAt = &openedAt
	}
	return s
}

// Reset forcibly returns the breaker to the closed state with zero counts.
// gobreaker has no reset, so the underlying instance is replaced.
func (b *Breaker) Reset() {
	b.mu.Lock()
	old := b.cb
	b.cb = gobreaker.NewCircuitBreaker(b.settings())
	b.mu.Unlock()

	previous := fromGobreaker(old.State())
	b.openedMu.Lock()
	b.openedAt = time.Time{}
	b.openedMu.Unlock()

	b.logger.Info("Circuit breaker reset", logging.String("breaker", b.name))
	if previous != StateClosed && b.listener != nil {
		b.listener(b.name, previous, StateClosed)
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
