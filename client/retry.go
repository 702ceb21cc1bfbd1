package client

import "time"

// RetryPolicy bounds how persistently a request is retried. The engine
// itself never retries; resend policy lives entirely on the peer side.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// AttemptTimeout is how long one attempt waits for its final ack
	// before the request is resent.
	AttemptTimeout time.Duration
	// Backoff returns the pause before attempt n (n starts at 1 for the
	// first retry). Nil means no pause.
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy retries twice after the initial attempt with a
// linearly growing pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Second,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 500 * time.Millisecond
		},
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) timeout() time.Duration {
	if p.AttemptTimeout <= 0 {
		return 2 * time.Second
	}
	return p.AttemptTimeout
}

func (p RetryPolicy) pause(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}
