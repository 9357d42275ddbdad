package engine

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff is exponential backoff min(Base*2^attempt, Cap) with optional
// ±Jitter applied after capping.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	attempt int
	mu      sync.Mutex
}

func NewBackoff(base, ceiling time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{Base: base, Cap: ceiling, Jitter: jitter}
}

// Duration returns the wait before the next attempt and advances the
// attempt counter.
func (b *Backoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.Base) * math.Pow(2, float64(b.attempt))
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}

	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
		if d < float64(b.Base) {
			d = float64(b.Base)
		}
		if d > float64(b.Cap) {
			d = float64(b.Cap)
		}
	}

	b.attempt++
	return time.Duration(d)
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
