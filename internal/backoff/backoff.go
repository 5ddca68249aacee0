// Package backoff provides exponential backoff with jitter and the retry
// classification used by action executors.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the first backoff duration.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy returns the policy used by action retries:
// 1s initial, 30s cap, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Compute calculates the backoff for a 1-indexed attempt number.
func Compute(p Policy, attempt int) time.Duration {
	return computeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func computeWithRand(p Policy, attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * random
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep blocks for the attempt's backoff or until the context is cancelled.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	timer := time.NewTimer(Compute(p, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Permanent wraps an error to mark it non-retryable regardless of its shape.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// StatusError carries an upstream HTTP status for classification.
type StatusError struct {
	Status int
	Msg    string
}

func (e StatusError) Error() string { return e.Msg }

// Transient reports whether the error belongs to a retryable category:
// network failures, timeouts, 5xx, and 429. Auth and other 4xx failures are
// terminal.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var perm Permanent
	if errors.As(err, &perm) {
		return false
	}
	var status StatusError
	if errors.As(err, &status) {
		return status.Status >= 500 || status.Status == 429
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ErrAttemptsExhausted is returned when all retry attempts failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Result reports how a retried call concluded.
type Result struct {
	// Attempts is the number of calls made (1-indexed).
	Attempts int
	// LastError is the final error when the call never succeeded.
	LastError error
}

// Retry runs fn with at most maxAttempts calls, sleeping per the policy
// between attempts. Only transient errors are retried; terminal errors
// return immediately. Context cancellation is honored between attempts.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) error) (Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := fn(attempt)
		if err == nil {
			res.LastError = nil
			return res, nil
		}
		res.LastError = err
		if !Transient(err) || attempt == maxAttempts {
			if !Transient(err) {
				return res, err
			}
			break
		}
		if err := Sleep(ctx, p, attempt); err != nil {
			return res, err
		}
	}
	return res, ErrAttemptsExhausted
}
