package circuitbreaker

import (
	"sort"
	"sync"

	"token-keeper/internal/common/logging"
)

// Well-known breaker names
const (
	TokenEndpoint = "provider-token"
	ResourceAPI   = "provider-api"
)

// Registry owns the breakers of one process, one per guarded operation type.
type Registry struct {
	breakers map[string]*Breaker
	logger   logging.Logger
	listener StateListener
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry. listener may be nil.
func NewRegistry(logger logging.Logger, listener StateListener) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		listener: listener,
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (r *Registry) GetOrCreate(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[name]; exists {
		return breaker
	}

	breaker := New(name, config, r.logger, r.listener)
	r.breakers[name] = breaker
	return breaker
}

// Get retrieves an existing circuit breaker by name
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, exists := r.breakers[name]
	return breaker, exists
}

// Snapshots returns the state of every breaker, ordered by name
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })

	snapshots := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	return snapshots
}

// Reset resets the named breaker, reporting whether it exists
func (r *Registry) Reset(name string) bool {
	b, ok := r.Get(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}
