// Package circuitbreaker guards the upstream with a two-step circuit breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sony/gobreaker/v2"

	"github.com/wudi/authgate/config"
)

// ErrOpen and ErrTooManyRequests are returned by Allow when a request is
// not let through.
var (
	ErrOpen            = gobreaker.ErrOpenState
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// Breaker wraps a gobreaker TwoStepCircuitBreaker and keeps lifetime totals.
type Breaker struct {
	cb               *gobreaker.TwoStepCircuitBreaker[struct{}]
	failureThreshold int
	maxRequests      int

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker for cfg. onStateChange, if set, is called
// on every transition. A request that ends in context.Canceled counts
// neither as success nor failure.
func NewBreaker(cfg config.CircuitBreakerConfig, onStateChange func(from, to string)) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}

	b := &Breaker{
		failureThreshold: failureThreshold,
		maxRequests:      maxRequests,
	}

	st := gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: uint32(maxRequests),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
		IsExcluded: isCancellation,
	}
	if onStateChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			onStateChange(from.String(), to.String())
		}
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](st)
	return b
}

// Allow reports whether a request may proceed. When it may, done must be
// called exactly once with the request's error (nil on success).
func (b *Breaker) Allow() (done func(error), err error) {
	b.totalRequests.Add(1)
	cbDone, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		return nil, err
	}
	return func(reqErr error) {
		switch {
		case isCancellation(reqErr):
		case reqErr != nil:
			b.totalFailures.Add(1)
		default:
			b.totalSuccesses.Add(1)
		}
		cbDone(reqErr)
	}, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	return BreakerSnapshot{
		State:            b.State(),
		FailureCount:     int(counts.ConsecutiveFailures),
		SuccessCount:     int(counts.ConsecutiveSuccesses),
		FailureThreshold: b.failureThreshold,
		MaxRequests:      b.maxRequests,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	SuccessCount     int    `json:"success_count"`
	FailureThreshold int    `json:"failure_threshold"`
	MaxRequests      int    `json:"max_requests"`
	TotalRequests    int64  `json:"total_requests"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	TotalRejected    int64  `json:"total_rejected"`
}
