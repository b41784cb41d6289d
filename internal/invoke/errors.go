package invoke

import (
	"fmt"
	"time"
)

// ValidationError reports bad input that no retry can fix, such as an
// unknown model id. It always classifies as [ClassFatal].
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// RateLimitedError marks a quota or throttling failure.
type RateLimitedError struct {
	// RetryAfter is the server's hint, if any. The retry loop does not
	// use it; it is carried for callers that surface it to users.
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return "rate limited"
	}
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// AuthenticationError marks a credential, permission or token failure.
// It is never retried.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "authentication failed"
	}
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransientError marks an internal, transient or concurrent-modification
// failure that is expected to clear on its own.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient failure"
	}
	return "transient failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// MaxRetriesExceededError is returned when every attempt failed with a
// retryable class. Last is the error from the final attempt.
type MaxRetriesExceededError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("%s: max retries exceeded after %d attempts: %v", opName(e.Op), e.Attempts, e.Last)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Last }

// CancelledError is returned when the caller's context ends the retry
// loop. Err is the context error; Last is the most recent attempt
// failure, if any attempt ran.
type CancelledError struct {
	Op       string
	Attempts int
	Err      error
	Last     error
}

func (e *CancelledError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("%s: cancelled after %d attempts: %v (last error: %v)", opName(e.Op), e.Attempts, e.Err, e.Last)
	}
	return fmt.Sprintf("%s: cancelled after %d attempts: %v", opName(e.Op), e.Attempts, e.Err)
}

// Unwrap exposes the context error so errors.Is(err, context.Canceled)
// and errors.Is(err, context.DeadlineExceeded) hold.
func (e *CancelledError) Unwrap() error { return e.Err }

func opName(op string) string {
	if op == "" {
		return "invoke"
	}
	return op
}
