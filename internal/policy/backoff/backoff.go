// Package backoff builds the jittered exponential schedules used for retried
// requests.
package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Stop is returned by NextBackOff once no retry is left.
const Stop = cbackoff.Stop

const (
	multiplier          = 2
	randomizationFactor = 0.5
)

// Policy caps attempts and the delay between them.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// Default mirrors the enrichment defaults.
func Default() Policy {
	return Policy{MaxAttempts: 4, Initial: 500 * time.Millisecond, Max: 8 * time.Second}
}

// New returns a fresh schedule for one logical request. The interval doubles
// from Initial up to Max and each delay is randomized by ±50%. NextBackOff
// returns Stop after MaxAttempts-1 retries.
func (p Policy) New() cbackoff.BackOff {
	exp := cbackoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = cbackoff.DefaultMaxInterval
	}
	exp.Multiplier = multiplier
	exp.RandomizationFactor = randomizationFactor
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return cbackoff.WithMaxRetries(exp, uint64(retries))
}
