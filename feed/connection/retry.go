package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/linluma/marketfeed/shared/config"
)

// RetryConfig holds retry configuration parameters
type RetryConfig struct {
	InitialDelay   time.Duration // e.g., 1 second
	MaxDelay       time.Duration // e.g., 30 seconds
	MaxRetries     int           // attempts before the terminal error
	BackoffFactor  float64       // e.g., 2.0 (exponential)
	Jitter         bool          // ±25% randomization; delays are then no longer monotonic
	ConnectTimeout time.Duration // per-dial open window
}

// DefaultRetryConfig mirrors the feed defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfigFrom(config.DefaultFeedConfig().Retry)
}

// RetryConfigFrom converts the file/env representation
func RetryConfigFrom(c config.RetryConfig) RetryConfig {
	return RetryConfig{
		InitialDelay:   c.InitialDelay,
		MaxDelay:       c.MaxDelay,
		MaxRetries:     c.MaxRetries,
		BackoffFactor:  c.Multiplier,
		Jitter:         c.Jitter,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// newBackOff builds min(initial * factor^attempt, max) limited to MaxRetries.
// NextBackOff returns backoff.Stop once the limit is exhausted.
func (r RetryConfig) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.InitialDelay
	exp.MaxInterval = r.MaxDelay
	exp.Multiplier = r.BackoffFactor
	exp.MaxElapsedTime = 0 // bounded by MaxRetries instead
	exp.RandomizationFactor = 0
	if r.Jitter {
		exp.RandomizationFactor = 0.25
	}
	if exp.Multiplier < 1 {
		exp.Multiplier = backoff.DefaultMultiplier
	}

	retries := r.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithMaxRetries(exp, uint64(retries))
	b.Reset()
	return b
}
