package ecowitt

import (
	"errors"
	"fmt"
)

// codeAuthentication is the envelope code returned for bad credentials.
const codeAuthentication = 40010

// AuthenticationError means the configured keys were rejected. It is not
// retryable until the credentials change.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "ecowitt: authentication failed: " + e.Message
}

// ServiceError covers every other failure: transport errors, unexpected HTTP
// statuses, undecodable bodies and non-zero envelope codes.
type ServiceError struct {
	// Code is the envelope code, or 0 when the failure happened before an
	// envelope was read.
	Code    int
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("ecowitt: %d | %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("ecowitt: %s: %v", e.Message, e.Err)
	default:
		return "ecowitt: " + e.Message
	}
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

func serviceErr(msg string, err error) error {
	return &ServiceError{Message: msg, Err: err}
}
