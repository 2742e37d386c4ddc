// Package backoff computes exponential delays with jitter and retries
// operations with them.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the delay after the first attempt, in milliseconds.
	InitialMs float64
	// MaxMs caps every delay, in milliseconds.
	MaxMs float64
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the delay.
	Jitter float64
}

// ConnectPolicy spaces attempts to reach a backing service at startup.
// Initial: 100ms, Max: 30s, Factor: 2, Jitter: 10%
func ConnectPolicy() Policy {
	return Policy{
		InitialMs: 100,
		MaxMs:     30_000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// TaskRetryPolicy spaces retries of a failed scheduled task.
// Initial: 30s, Max: 15m, Factor: 2, Jitter: 10%
func TaskRetryPolicy() Policy {
	return Policy{
		InitialMs: 30_000,
		MaxMs:     15 * 60_000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// IsZero reports whether no field is set.
func (p Policy) IsZero() bool {
	return p == Policy{}
}

// Validate rejects policies that would shrink or never grow.
func (p Policy) Validate() error {
	switch {
	case p.InitialMs < 0:
		return errors.New("initial must not be negative")
	case p.MaxMs < p.InitialMs:
		return fmt.Errorf("max (%gms) must not be below initial (%gms)", p.MaxMs, p.InitialMs)
	case p.Factor < 1:
		return fmt.Errorf("factor must be at least 1, got %g", p.Factor)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("jitter must be between 0 and 1, got %g", p.Jitter)
	}
	return nil
}

// Delay returns the wait after the given attempt. Attempt numbers start at 1:
// min(max, initial*factor^(attempt-1) * (1 + jitter*rand)).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	total := math.Min(p.MaxMs, base+base*p.Jitter*random)
	return time.Duration(math.Round(total)) * time.Millisecond
}
