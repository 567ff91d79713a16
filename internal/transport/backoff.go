package transport

import (
	"math/rand"
	"sync"
	"time"
)

// backoff produces full-jitter exponential delays: each attempt draws a
// uniform delay in [0, min(cap, base*2^attempt)]. The attempt counter
// resets after a connection that stayed up for stableAfter.
type backoff struct {
	mu          sync.Mutex
	base        time.Duration
	cap         time.Duration
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, cap time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = 30 * time.Second
	}
	return &backoff{base: base, cap: cap, stableAfter: time.Minute}
}

func (b *backoff) next() (attempt int, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > b.stableAfter {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}

	ceil := b.base
	for i := 0; i < b.attempt && ceil < b.cap; i++ {
		ceil *= 2
	}
	if ceil > b.cap {
		ceil = b.cap
	}
	b.attempt++
	return b.attempt, time.Duration(rand.Int63n(int64(ceil) + 1))
}

func (b *backoff) markConnected() {
	b.mu.Lock()
	b.connectedAt = time.Now()
	b.mu.Unlock()
}

func (b *backoff) reset() {
	b.mu.Lock()
	b.attempt = 0
	b.connectedAt = time.Time{}
	b.mu.Unlock()
}
