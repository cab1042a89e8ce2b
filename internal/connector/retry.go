package connector

import "time"

// RetryPolicy hoists the backoff/retry decision into its own type so it can
// be unit-tested without a network — per the configured backoff ladder,
// extended by repeating the last element until MaxRetries.
type RetryPolicy struct {
	BackoffMS  []int
	MaxRetries int
}

// DefaultRetryPolicy matches the spec's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BackoffMS:  []int{200, 500, 1000, 2000},
		MaxRetries: 8,
	}
}

// DelayFor returns the backoff to wait before retry attempt n (0-indexed,
// n is the attempt that just failed).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if len(p.BackoffMS) == 0 {
		return 0
	}
	ms := p.BackoffMS[len(p.BackoffMS)-1]
	if attempt < len(p.BackoffMS) {
		ms = p.BackoffMS[attempt]
	}
	return time.Duration(ms) * time.Millisecond
}

// Outcome classifies an attempted send so the caller can drive the
// INIT/RETRY_WAIT/BUFFER/DLQ state machine without re-deriving HTTP
// semantics at each call site.
type Outcome int

const (
	// OutcomeSuccess: 2xx — terminal-success.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable: 408/429/5xx or a network/TLS error.
	OutcomeRetryable
	// OutcomePermanent: any other 4xx — terminal-failure, goes to DLQ.
	OutcomePermanent
)

// ClassifyStatus maps an HTTP status code to an Outcome.
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == 408 || status == 429:
		return OutcomeRetryable
	case status >= 500:
		return OutcomeRetryable
	default:
		return OutcomePermanent
	}
}
