package session

import (
	"crypto/rand"
	"math/big"
	"time"
)

const (
	DefaultBackoffBase        = time.Second
	DefaultBackoffMax         = 30 * time.Second
	DefaultReconnectAttempts  = 10
	DefaultJitter             = 0.5
	jitterResolution    int64 = 1 << 20
)

// Backoff describes the reconnect schedule.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter is the multiplicative spread; 0.5 means ±50%.
	Jitter float64
	// Rand returns a value in [0, 1). Nil uses crypto/rand.
	Rand func() float64
}

// DefaultBackoff returns 1s doubling to 30s, ten attempts, ±50% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultBackoffBase,
		Max:         DefaultBackoffMax,
		MaxAttempts: DefaultReconnectAttempts,
		Jitter:      DefaultJitter,
	}
}

// Nominal returns min(Max, Base·2^(attempt-1)) for attempt >= 1.
func (b Backoff) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Delay returns the nominal delay scaled by a random factor in
// [1-Jitter, 1+Jitter).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Nominal(attempt)
	if b.Jitter <= 0 {
		return d
	}
	r := b.random()
	factor := 1 + b.Jitter*(2*r-1)
	return time.Duration(float64(d) * factor)
}

func (b Backoff) random() float64 {
	if b.Rand != nil {
		return b.Rand()
	}
	n, err := rand.Int(rand.Reader, big.NewInt(jitterResolution))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(jitterResolution)
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max < b.Base {
		b.Max = def.Max
		if b.Max < b.Base {
			b.Max = b.Base
		}
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = def.Jitter
	}
	return b
}
