package supervisor

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff is a capped exponential delay with ±20% jitter. Next never exceeds max.
type Backoff struct {
	mu   sync.Mutex
	min  time.Duration
	max  time.Duration
	next time.Duration
	rng  *rand.Rand
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{
		min:  min,
		max:  max,
		next: min,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the current attempt and doubles the base for the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	wait := b.next
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(b.rng.Int63n(2*j+1) - j)
	}
	if wait > b.max {
		wait = b.max
	}
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return wait
}

// Base reports the un-jittered delay Next would start from.
func (b *Backoff) Base() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.min
	b.mu.Unlock()
}
