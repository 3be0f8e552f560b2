// Package system provides the wall clock and context-aware sleep shared by
// the gateway, failover, credentials, worker and enrichment packages. Each of
// those declares its own narrow Clock or Sleeper and defaults to this one.
package system

import (
	"context"
	"time"
)

// Clock reports the current UTC time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep waits for d or until ctx is done, whichever comes first. It returns
// ctx.Err() when the context ended, including when d is not positive.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
