package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-keeper/internal/common/logging"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, open time.Duration) *Breaker {
	return New("test", Config{Threshold: threshold, OpenDuration: open}, logging.NewNopLogger(), nil)
}

func fail(context.Context) error { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State(), "attempt %d", i)
		err := cb.Execute(ctx, fail)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	var invoked atomic.Int32
	err := cb.Execute(ctx, func(context.Context) error {
		invoked.Add(1)
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, invoked.Load())

	snap := cb.Snapshot()
	assert.Equal(t, "open", snap.State)
	assert.NotNil(t, snap.OpenedAt)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 0, cb.Snapshot().ConsecutiveFailures)

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerSingleTrialWhenHalfOpen(t *testing.T) {
	cb := newTestBreaker(1, 30*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())
	time.Sleep(50 * time.Millisecond)

	const callers = 10
	var calls atomic.Int32
	release := make(chan struct{})
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		go func() {
			results <- cb.Execute(ctx, func(context.Context) error {
				calls.Add(1)
				<-release
				return nil
			})
		}()
	}

	for i := 0; i < callers-1; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrOpen)
		case <-time.After(2 * time.Second):
			t.Fatal("rejected callers did not return")
		}
	}

	close(release)
	require.NoError(t, <-results)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	cb := newTestBreaker(1, 30*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	first := *cb.Snapshot().OpenedAt
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.Snapshot().OpenedAt.After(first))
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)

	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerCustomSuccessPredicate(t *testing.T) {
	clientErr := errors.New("404")
	cb := New("api", Config{
		Threshold:    1,
		OpenDuration: time.Minute,
		IsSuccessful: func(err error) bool { return errors.Is(err, clientErr) },
	}, logging.NewNopLogger(), nil)

	_ = cb.Execute(context.Background(), func(context.Context) error { return clientErr })
	assert.Equal(t, StateClosed, cb.State())
}

func TestDoReturnsResult(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)

	got, err := Do(context.Background(), cb, func(context.Context) (string, error) {
		return "token", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "token", got)
}

func TestInvalidConfigFallsBackToDefaults(t *testing.T) {
	cb := New("bad", Config{}, logging.NewNopLogger(), nil)
	assert.Equal(t, DefaultConfig().Threshold, cb.Snapshot().Threshold)
}

func TestResetAndListener(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	listener := func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	registry := NewRegistry(logging.NewNopLogger(), listener)
	cb := registry.GetOrCreate(TokenEndpoint, Config{Threshold: 1, OpenDuration: time.Hour})
	assert.Same(t, cb, registry.GetOrCreate(TokenEndpoint, DefaultConfig()))

	_ = cb.Execute(context.Background(), fail)
	require.True(t, cb.IsOpen())

	assert.True(t, registry.Reset(TokenEndpoint))
	assert.False(t, registry.Reset("missing"))
	assert.Equal(t, StateClosed, cb.State())
	assert.Nil(t, cb.Snapshot().OpenedAt)

	mu.Lock()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
	mu.Unlock()
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	registry := NewRegistry(logging.NewNopLogger(), nil)
	registry.GetOrCreate(TokenEndpoint, DefaultConfig())
	registry.GetOrCreate(ResourceAPI, DefaultConfig())

	snaps := registry.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, ResourceAPI, snaps[0].Name)
	assert.Equal(t, TokenEndpoint, snaps[1].Name)

	_, ok := registry.Get("nope")
	assert.False(t, ok)
}
