package dispatch

import (
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// RetryPolicy controls how failed attempts are rescheduled.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to every interval.
	Jitter float64
}

// DefaultRetryPolicy retries three times starting at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      scanning.DefaultMaxRetries,
		InitialInterval: 30 * time.Second,
		MaxInterval:     10 * time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Backoff returns the delay before the attempt that follows attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// MaxRunTime bounds how long a scan can legitimately stay running when every
// attempt uses its full hard limit and waits the longest jittered backoff.
func (p RetryPolicy) MaxRunTime(hard time.Duration) time.Duration {
	maxWait := time.Duration(float64(p.MaxInterval) * (1 + p.Jitter))
	return time.Duration(p.MaxRetries+1) * (hard + maxWait)
}
