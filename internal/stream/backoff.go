package stream

import (
	"math"
	"math/rand/v2"
	"time"

	"cryptoworker/config"
)

// Backoff computes reconnect delays: min(Base*2^attempt, Cap) widened by
// ±delay*Jitter.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// rnd returns a value in [0,1); tests pin it.
	rnd func() float64
}

func BackoffFromConfig(cfg config.StreamConfig) Backoff {
	return Backoff{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap, Jitter: cfg.ReconnectJitter}
}

// Nominal is the delay for attempt before jitter.
func (b Backoff) Nominal(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	capDelay := b.Cap
	if capDelay < base {
		capDelay = base
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(capDelay) || math.IsInf(d, 0) {
		return capDelay
	}
	return time.Duration(d)
}

// Delay is Nominal(attempt) with jitter applied.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Nominal(attempt)
	if b.Jitter <= 0 {
		return d
	}
	rnd := b.rnd
	if rnd == nil {
		rnd = rand.Float64
	}
	spread := float64(d) * math.Min(b.Jitter, 1) * (rnd()*2 - 1)
	out := time.Duration(float64(d) + spread)
	if out < 0 {
		return 0
	}
	return out
}
