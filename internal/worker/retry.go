package worker

import (
	"math"
	"math/rand"
	"time"

	"wagate/internal/apperr"
	"wagate/internal/config"
)

// RetryPolicy defines exponential backoff parameters shared by message and
// sync jobs.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// PolicyFromConfig builds a policy from its config section.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Jitter:        cfg.Jitter,
	}
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if math.IsInf(delay, 1) || delay > float64(math.MaxInt64) {
		d = time.Duration(math.MaxInt64)
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Delay returns the wait before the next attempt after attempt failed.
// Jitter never exceeds what the next step of the backoff adds, so delays stay
// non-decreasing across attempts. A larger retryAfter hint wins.
func (r RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	d := r.NextDelay(attempt)
	if r.Jitter {
		span := r.BackoffFactor - 1
		if r.BackoffFactor <= 0 {
			span = 1
		}
		span = math.Min(span, 0.5)
		if span > 0 {
			d += time.Duration(float64(d) * span * r.random())
		}
		if r.MaxDelay > 0 && d > r.MaxDelay {
			d = r.MaxDelay
		}
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// Exhausted reports whether no attempt is left after attempts were made.
func (r RetryPolicy) Exhausted(attempts int) bool {
	limit := r.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	return attempts >= limit
}

// Outcome is what happens to a job after a failed attempt.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeFail
	OutcomeAbandon
)

// Decide classifies a failed attempt. Permanent kinds fail the job at once.
// Transient and unclassified errors are retried until attempts run out.
func (r RetryPolicy) Decide(attempts int, err error) (Outcome, time.Duration) {
	kind := apperr.KindOf(err)
	if kind != "" && !kind.Transient() {
		return OutcomeFail, 0
	}
	if r.Exhausted(attempts) {
		return OutcomeAbandon, 0
	}
	return OutcomeRetry, r.Delay(attempts, apperr.RetryAfter(err))
}

func (r RetryPolicy) random() float64 {
	if r.Rand != nil {
		return r.Rand()
	}
	return rand.Float64()
}
