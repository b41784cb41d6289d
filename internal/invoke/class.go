// Package invoke wraps outbound calls to the chat and advertising
// endpoints with error classification and bounded exponential-backoff
// retry.
//
// Only [ClassRateLimited] and [ClassTransient] failures are retried.
// Authentication and fatal failures return on the first occurrence:
// waiting does not fix a revoked token or a malformed request. Callers
// see a success value, an [*AuthenticationError], a
// [*MaxRetriesExceededError], a [*CancelledError], or the fatal error
// itself (which may wrap a [*ValidationError]).
package invoke

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Class is the retry-relevant category of a failure.
type Class int

const (
	// ClassFatal is anything not matching another class, or a failure the
	// operation declares non-retryable.
	ClassFatal Class = iota
	// ClassRateLimited is a quota or throttling signal.
	ClassRateLimited
	// ClassAuthentication is a credential, permission or token failure.
	ClassAuthentication
	// ClassTransient is an internal, transient or concurrent-modification
	// failure.
	ClassTransient
)

// String returns the wire name of the class, used in logs and spans.
func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuthentication:
		return "authentication"
	case ClassTransient:
		return "transient"
	}
	panic("invoke: unhandled Class " + strconv.Itoa(int(c)))
}

// Retryable reports whether backoff can improve the outcome.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassTransient:
		return true
	case ClassAuthentication, ClassFatal:
		return false
	}
	panic("invoke: unhandled Class " + strconv.Itoa(int(c)))
}

// Classifier maps an operation error to a Class.
type Classifier func(error) Class

// ErrorCoder is implemented by errors that carry a machine-readable code
// from the remote service (e.g. "rate_limit_exceeded", "RESOURCE_EXHAUSTED").
type ErrorCoder interface {
	ErrorCode() string
}

// HTTPStatuser is implemented by errors that carry an HTTP status code.
type HTTPStatuser interface {
	HTTPStatus() int
}

// Code tables are matched case-insensitively against ErrorCode().
var (
	rateLimitedCodes = map[string]bool{
		"rate_limited":        true,
		"rate_limit_exceeded": true,
		"rate_limit_error":    true,
		"too_many_requests":   true,
		"quota_exceeded":      true,
		"insufficient_quota":  true,
		"resource_exhausted":  true,
		"quota_error":         true,
	}
	authenticationCodes = map[string]bool{
		"authentication_error":  true,
		"invalid_api_key":       true,
		"invalid_token":         true,
		"token_expired":         true,
		"unauthenticated":       true,
		"permission_denied":     true,
		"permission_error":      true,
		"authorization_error":   true,
		"oauth_token_revoked":   true,
		"user_permission_error": true,
	}
	transientCodes = map[string]bool{
		"internal":                true,
		"internal_error":          true,
		"server_error":            true,
		"api_error":               true,
		"overloaded_error":        true,
		"unavailable":             true,
		"service_unavailable":     true,
		"transient":               true,
		"timeout":                 true,
		"deadline_exceeded":       true,
		"concurrent_modification": true,
		"aborted":                 true,
	}
)

// DefaultClassifier classifies typed errors from this package, then
// remote error codes, then HTTP statuses, then network timeouts.
// Anything unrecognised is [ClassFatal].
func DefaultClassifier(err error) Class {
	if err == nil {
		return ClassFatal
	}

	var (
		validation *ValidationError
		auth       *AuthenticationError
		rate       *RateLimitedError
		transient  *TransientError
	)
	switch {
	case errors.As(err, &validation):
		return ClassFatal
	case errors.As(err, &auth):
		return ClassAuthentication
	case errors.As(err, &rate):
		return ClassRateLimited
	case errors.As(err, &transient):
		return ClassTransient
	}

	var coder ErrorCoder
	if errors.As(err, &coder) {
		if c, ok := classifyCode(coder.ErrorCode()); ok {
			return c
		}
	}

	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		if c, ok := classifyStatus(statuser.HTTPStatus()); ok {
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassFatal
}

func classifyCode(code string) (Class, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	switch {
	case code == "":
		return ClassFatal, false
	case rateLimitedCodes[code]:
		return ClassRateLimited, true
	case authenticationCodes[code]:
		return ClassAuthentication, true
	case transientCodes[code]:
		return ClassTransient, true
	}
	return ClassFatal, false
}

func classifyStatus(status int) (Class, bool) {
	switch status {
	case http.StatusTooManyRequests:
		return ClassRateLimited, true
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuthentication, true
	case http.StatusRequestTimeout, http.StatusConflict,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		529: // Anthropic "overloaded"
		return ClassTransient, true
	}
	if status >= 400 && status < 500 {
		return ClassFatal, true
	}
	return ClassFatal, false
}
