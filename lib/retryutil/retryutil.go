package retryutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an explicit retry budget: how many attempts an operation
// gets and what the waits between them look like. Zero values fall back
// to the defaults below, so a Policy can be embedded in config structs.
type Policy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
}

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2
)

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Permanent marks an error as non-retryable, aborting the policy early.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy, waiting an exponentially growing,
// jittered interval between attempts. The last error is returned once
// the attempt budget is exhausted or ctx is cancelled.
func (p Policy) Do(ctx context.Context, op func() error) error {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(
		backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)),
		ctx,
	)
	return backoff.Retry(op, b)
}
