package connection

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase   = time.Second
	defaultBackoffMax    = 60 * time.Second
	defaultBackoffJitter = 0.2
)

// backoff computes bounded exponential retry delays with jitter so
// reconnecting clients do not stampede the relay in lockstep.
type backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

func newBackoff() *backoff {
	return &backoff{
		base:   defaultBackoffBase,
		max:    defaultBackoffMax,
		jitter: defaultBackoffJitter,
	}
}

// next returns the delay before the upcoming attempt and advances the
// attempt counter.
func (b *backoff) next() time.Duration {
	d := b.base << uint(b.attempt)
	if d > b.max || d <= 0 {
		d = b.max
	}
	if b.attempt < 31 {
		b.attempt++
	}

	// Spread the delay across [d*(1-jitter), d*(1+jitter)].
	spread := float64(d) * b.jitter
	jittered := float64(d) - spread + rand.Float64()*2*spread
	return time.Duration(jittered)
}

// reset restarts the schedule after a successful connection.
func (b *backoff) reset() {
	b.attempt = 0
}
