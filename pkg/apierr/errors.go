// Package apierr defines the gateway's error taxonomy and how each kind is
// rendered to clients of the different wire protocols.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types as they appear in client-facing error payloads.
const (
	TypeAuthentication = "authentication_error"
	TypeInvalidRequest = "invalid_request_error"
	TypePermission     = "permission_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPI            = "api_error"
	TypeOverloaded     = "overloaded_error"
)

// AuthenticationError covers both a rejected gateway credential and a failed
// upstream token exchange.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return "authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RefreshFailure is a failed Copilot token exchange. StatusCode is zero for
// transport failures.
type RefreshFailure struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *RefreshFailure) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("token exchange status %d: %s: %v", e.StatusCode, e.Reason, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange status %d: %s", e.StatusCode, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("token exchange: %s: %v", e.Reason, e.Err)
	}
	return "token exchange: " + e.Reason
}

func (e *RefreshFailure) Unwrap() error { return e.Err }

// UnsupportedContentError rejects a content part the target model cannot take.
type UnsupportedContentError struct {
	Model    string
	Turn     int
	Part     int
	PartType string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("model %q does not accept %s content (messages[%d].content[%d])", e.Model, e.PartType, e.Turn, e.Part)
}

// InvalidRequestError is a malformed client payload.
type InvalidRequestError struct {
	Message string
	Err     error
}

func (e *InvalidRequestError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *InvalidRequestError) Unwrap() error { return e.Err }

func Invalid(format string, args ...any) error {
	return &InvalidRequestError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError is a non-2xx upstream response. Body is kept verbatim.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Message    string
	Type       string
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, msg)
}

// StreamInterruptedError is an upstream stream that ended before completion.
type StreamInterruptedError struct {
	Reason string
	Err    error
}

const (
	ReasonClosed      = "upstream closed the stream before completion"
	ReasonIdleTimeout = "upstream stream idle timeout"
)

func (e *StreamInterruptedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream interrupted: %s: %v", e.Reason, e.Err)
	}
	return "stream interrupted: " + e.Reason
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// Classify maps err to an HTTP status, a client error type and a message.
func Classify(err error) (status int, errType string, message string) {
	var (
		authErr    *AuthenticationError
		refreshErr *RefreshFailure
		unsupErr   *UnsupportedContentError
		invalidErr *InvalidRequestError
		upErr      *UpstreamError
		streamErr  *StreamInterruptedError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &refreshErr):
		return http.StatusUnauthorized, TypeAuthentication, err.Error()
	case errors.As(err, &unsupErr):
		return http.StatusBadRequest, TypeInvalidRequest, err.Error()
	case errors.As(err, &invalidErr):
		return http.StatusBadRequest, TypeInvalidRequest, err.Error()
	case errors.As(err, &upErr):
		msg := upErr.Message
		if msg == "" {
			msg = upErr.Error()
		}
		t := upErr.Type
		if t == "" {
			t = TypeForStatus(upErr.StatusCode)
		}
		return upErr.StatusCode, t, msg
	case errors.As(err, &streamErr):
		return http.StatusBadGateway, TypeAPI, err.Error()
	}
	return http.StatusBadGateway, TypeAPI, err.Error()
}

func TypeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return TypeAuthentication
	case status == http.StatusForbidden:
		return TypePermission
	case status == http.StatusNotFound:
		return TypeNotFound
	case status == http.StatusTooManyRequests:
		return TypeRateLimit
	case status == 529 || status == http.StatusServiceUnavailable:
		return TypeOverloaded
	case status >= 400 && status < 500:
		return TypeInvalidRequest
	}
	return TypeAPI
}
