package invoke

import (
	"context"
	"errors"
)

// User-facing messages for terminal invocation failures.
const (
	MsgReauthenticate = "Your credentials were rejected. Please sign in again and retry."
	MsgTryLater       = "The service is busy right now. Please try again in a few minutes."
	MsgCancelled      = "The request was cancelled before it completed."
	MsgGeneric        = "Something went wrong while contacting the service. Please try again later."
)

// UserMessage maps a terminal error from Do to text safe to show an end
// user. Returns "" for a nil error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		auth       *AuthenticationError
		validation *ValidationError
		maxRetries *MaxRetriesExceededError
		cancelled  *CancelledError
		rate       *RateLimitedError
	)
	switch {
	case errors.As(err, &auth):
		return MsgReauthenticate
	case errors.As(err, &validation):
		return validation.Error()
	case errors.As(err, &cancelled):
		if errors.Is(cancelled.Err, context.DeadlineExceeded) {
			return MsgTryLater
		}
		return MsgCancelled
	case errors.As(err, &maxRetries):
		if DefaultClassifier(maxRetries.Last) == ClassRateLimited {
			return MsgTryLater
		}
		return MsgGeneric
	case errors.As(err, &rate):
		return MsgTryLater
	}
	return MsgGeneric
}
