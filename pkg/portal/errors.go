package portal

import (
	"errors"
	"fmt"

	"github.com/askuuz/askuuz/pkg/types"
)

// AuthError is returned when a portal rejects the credentials or the token,
// either with HTTP 401/403 or with an explicit failure in the login response.
type AuthError struct {
	Service    types.Service
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unauthorized (status %d): %s", e.Service, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: unauthorized: %s", e.Service, e.Message)
}

// APIError is returned for network failures, timeouts, non-2xx responses and
// response bodies that aren't valid JSON.
type APIError struct {
	Service    types.Service
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: api error", e.Service)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ParseError is returned when a 2xx response is missing an expected field or
// the field has an unusable value.
type ParseError struct {
	Service types.Service
	Field   string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: failed to parse %s: %v", e.Service, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: failed to parse %s", e.Service, e.Field)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errMissing = errors.New("missing field")

// IsAuth reports whether err is, or wraps, an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsParse reports whether err is, or wraps, a ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func missing(svc types.Service, field string) error {
	return &ParseError{Service: svc, Field: field, Err: errMissing}
}
