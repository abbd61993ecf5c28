package ws

import (
	"fmt"
	"math"
	"time"
)

// ReconnectPolicy derives the delay before each reconnect attempt. It is a
// value type; Delay has no hidden state.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the computed delay, 0..1
	MaxAttempts int     // 0 retries forever
}

// DefaultPolicy doubles from one second up to ten seconds, with 20% jitter.
func DefaultPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base:       time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Validate rejects policies whose delays could shrink between attempts.
func (p ReconnectPolicy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("reconnect base must be positive, got %s", p.Base)
	}
	if p.Max < p.Base {
		return fmt.Errorf("reconnect max (%s) is below base (%s)", p.Max, p.Base)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("reconnect jitter must be within [0, 1], got %v", p.Jitter)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max_attempts must be >= 0, got %d", p.MaxAttempts)
	}
	return nil
}

// step is the un-jittered delay for attempt: Base * Multiplier^attempt, capped at Max.
func (p ReconnectPolicy) step(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && (d >= float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	return time.Duration(d)
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
// rnd is a uniform sample from [0, 1) and scales the jitter. The jittered
// delay never exceeds the next attempt's base delay, so consecutive delays
// are non-decreasing for any rnd sequence, and never exceed Max.
func (p ReconnectPolicy) Delay(attempt int, rnd float64) time.Duration {
	d := p.step(attempt)
	if p.Jitter <= 0 || rnd <= 0 {
		return d
	}
	if rnd > 1 {
		rnd = 1
	}
	j := d + time.Duration(float64(d)*p.Jitter*rnd)
	if next := p.step(attempt + 1); j > next {
		j = next
	}
	return j
}

// Exhausted reports whether attempts retries have used up MaxAttempts.
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Backoff walks a ReconnectPolicy one attempt at a time.
type Backoff struct {
	Policy  ReconnectPolicy
	Rand    func() float64
	attempt int
}

func NewBackoff(p ReconnectPolicy, rnd func() float64) *Backoff {
	return &Backoff{Policy: p, Rand: rnd}
}

func (b *Backoff) Next() time.Duration {
	r := 0.0
	if b.Rand != nil {
		r = b.Rand()
	}
	d := b.Policy.Delay(b.attempt, r)
	b.attempt++
	return d
}

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Exhausted() bool {
	return b.Policy.Exhausted(b.attempt)
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
