package client

import "time"

// RetryPolicy bounds reconnection attempts after a transport failure.
// Authentication failures are never retried.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy waits one second between at most five consecutive attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: time.Second, MaxAttempts: 5}
}

// Allow reports whether the given consecutive attempt (starting at 1) may run.
func (p RetryPolicy) Allow(attempt int) bool {
	return attempt <= p.MaxAttempts
}
