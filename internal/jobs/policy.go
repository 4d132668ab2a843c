package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/fetchqueue/internal/config"
)

// KeepAll disables pruning for a job state.
const KeepAll = -1

const maxBackoff = 24 * time.Hour

// BackoffType names how the delay between job attempts grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the delay policy between two attempts of a job.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// Next returns the delay after the given failed attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}

	attempt = max(attempt, 1)

	if b.Type != BackoffExponential {
		return backoff.NewConstantBackOff(b.Delay).NextBackOff()
	}

	// 2s doubled 30 times is far past maxBackoff.
	attempt = min(attempt, 30)

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     b.Delay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
	}
	exp.Reset()

	next := b.Delay
	for range attempt {
		next = exp.NextBackOff()
	}

	return next
}

// Retention bounds how many finished jobs the backend keeps per queue.
type Retention struct {
	KeepCompleted int
	KeepFailed    int
}

// Policy is the retry, retention and concurrency policy of one job family.
type Policy struct {
	Attempts    int
	Backoff     Backoff
	Retention   Retention
	Concurrency int
}

// Override applies the non-zero fields of o.
func (p Policy) Override(o config.QueuePolicy) Policy {
	if o.Attempts > 0 {
		p.Attempts = o.Attempts
	}

	if o.Concurrency > 0 {
		p.Concurrency = o.Concurrency
	}

	if o.Backoff.Type != "" {
		p.Backoff.Type = BackoffType(o.Backoff.Type)
	}

	if o.Backoff.Delay > 0 {
		p.Backoff.Delay = o.Backoff.Delay
	}

	if o.Retention != nil {
		p.Retention = Retention{KeepCompleted: o.Retention.KeepCompleted, KeepFailed: o.Retention.KeepFailed}
	}

	return p
}
