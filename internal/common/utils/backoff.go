package utils

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// Backoff computes capped exponential delays with proportional jitter.
//
// The delay before retry k (1-based) is
//
//	min(Base * Factor^(k-1), Cap) * (1 + j)
//
// where j is drawn uniformly from [MinJitter, MaxJitter]. Jitter is applied
// after the cap, so a capped delay may exceed Cap by up to MaxJitter.
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	Factor    float64
	MinJitter float64
	MaxJitter float64

	// Random returns a value in [0, 1). Defaults to a crypto/rand source.
	Random func() float64
}

// RefreshBackoff is the schedule used between token refresh attempts: 1s, 2s, 4s ... capped at 16s.
func RefreshBackoff() Backoff {
	return Backoff{
		Base:      time.Second,
		Cap:       16 * time.Second,
		Factor:    2,
		MinJitter: 0.1,
		MaxJitter: 0.3,
	}
}

// PollBackoff is the schedule used while waiting on another process's refresh.
func PollBackoff() Backoff {
	return Backoff{
		Base:   100 * time.Millisecond,
		Cap:    2 * time.Second,
		Factor: 1.5,
	}
}

// Delay returns the delay to wait before retry number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}

	raw := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Cap > 0 && raw > float64(b.Cap) {
		raw = float64(b.Cap)
	}

	if b.MaxJitter > 0 {
		random := b.Random
		if random == nil {
			random = randomFloat64
		}
		span := b.MaxJitter - b.MinJitter
		raw *= 1 + b.MinJitter + random()*span
	}

	return time.Duration(math.Round(raw))
}

// Bounds returns the smallest and largest delay Delay(attempt) can produce.
func (b Backoff) Bounds(attempt int) (time.Duration, time.Duration) {
	lo := b
	lo.Random = func() float64 { return 0 }
	hi := b
	hi.Random = func() float64 { return 1 }
	return lo.Delay(attempt), hi.Delay(attempt)
}

// randomFloat64 returns a uniform value in [0, 1) from crypto/rand,
// falling back to the clock if the system source fails.
func randomFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return float64(time.Now().UnixNano()%1000) / 1000
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}
