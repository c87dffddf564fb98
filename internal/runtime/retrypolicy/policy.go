// Package retrypolicy expresses bounded upstream retries as a value: how many
// attempts, how long to pause after a retryable status, and which statuses end
// the loop at once.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	retry "github.com/avast/retry-go"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts          uint
	Backoff              time.Duration
	NonRetryableStatuses []int
}

// Default is the dictionary lookup policy: two attempts, 200ms after a
// retryable status, and no retry on 400, 401, 403 or 404.
func Default() Policy {
	return Policy{
		MaxAttempts:          2,
		Backoff:              200 * time.Millisecond,
		NonRetryableStatuses: []int{400, 401, 403, 404},
	}
}

// Outcome is what a single attempt observed: either a transport error or an
// HTTP status.
type Outcome struct {
	Status int
	Err    error
}

// Result summarises a finished loop. LastError is the human readable reason of
// the final failed attempt ("HTTP 503" or the transport error text).
type Result struct {
	Attempts   uint
	Success    bool
	LastStatus int
	LastError  string
}

// StatusError reports a non-2xx upstream status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

// Retryable reports whether a non-2xx status may be retried.
func (p Policy) Retryable(status int) bool {
	return !slices.Contains(p.NonRetryableStatuses, status)
}

// Run calls attempt until it succeeds, returns a non-retryable status, or the
// attempt budget is spent. Attempts are strictly sequential and numbered from 1.
// Transport errors are always retried without a pause; retryable statuses wait
// Backoff first. Cancelling ctx ends the loop early.
func (p Policy) Run(ctx context.Context, attempt func(n uint) Outcome) Result {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	var result Result
	err := retry.Do(
		func() error {
			result.Attempts++
			out := attempt(result.Attempts)
			if out.Err != nil {
				result.LastStatus = 0
				result.LastError = out.Err.Error()
				return out.Err
			}
			result.LastStatus = out.Status
			if out.Status >= 200 && out.Status < 300 {
				result.Success = true
				result.LastError = ""
				return nil
			}
			statusErr := &StatusError{Status: out.Status}
			result.LastError = statusErr.Error()
			if !p.Retryable(out.Status) {
				return retry.Unrecoverable(statusErr)
			}
			return statusErr
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return p.Backoff
			}
			return 0
		}),
	)
	if err != nil && result.LastError == "" {
		result.LastError = err.Error()
	}
	return result
}
