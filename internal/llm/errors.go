package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-success response from a provider. It exposes the
// provider's error code and HTTP status for retry classification.
type APIError struct {
	Provider string
	Status   int
	Code     string // provider error code, e.g. "rate_limit_exceeded"
	Type     string // provider error type, e.g. "overloaded_error"
	Message  string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s API error %d", e.Provider, e.Status)
	if kind := e.ErrorCode(); kind != "" {
		fmt.Fprintf(&b, " (%s)", kind)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// ErrorCode returns the most specific code the provider supplied.
func (e *APIError) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Type
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.Status }

// parseErrorBody builds an APIError from a JSON error body of the common
// {"error": {"type": ..., "code": ..., "message": ...}} shape. Bodies that
// do not match are kept verbatim as the message.
func parseErrorBody(provider string, status int, body string) *APIError {
	apiErr := &APIError{Provider: provider, Status: status}

	var wire struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil || len(wire.Error) == 0 {
		apiErr.Message = strings.TrimSpace(body)
		return apiErr
	}

	var detail struct {
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(wire.Error, &detail); err != nil {
		// Ollama reports {"error": "message"}.
		var msg string
		if json.Unmarshal(wire.Error, &msg) == nil {
			apiErr.Message = msg
		} else {
			apiErr.Message = strings.TrimSpace(body)
		}
		return apiErr
	}

	apiErr.Type = detail.Type
	apiErr.Message = detail.Message
	switch c := detail.Code.(type) {
	case string:
		apiErr.Code = c
	case float64:
		apiErr.Code = fmt.Sprintf("%d", int(c))
	}
	return apiErr
}
