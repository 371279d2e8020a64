package gateway

import "time"

// Backoff yields reconnect delays doubling from Base up to Max. Base == Max
// gives a fixed delay.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	} else {
		b.attempt++
	}
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
