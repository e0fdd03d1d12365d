package cloud

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned by authenticated calls when no access token is held.
	ErrInvalidToken = errors.New("cloud: no valid access token, authentication required")
	// ErrInvalidResponse is returned when a response body could not be parsed at all.
	ErrInvalidResponse = errors.New("cloud: invalid response")
)

// AuthenticationFailedError carries the provider's human readable message for any non-200 response.
type AuthenticationFailedError struct {
	Status  int
	Message string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("cloud: authentication failed (%d): %s", e.Status, e.Message)
}

// DecodingError is returned when a well-formed payload does not have the expected shape.
type DecodingError struct {
	Detail string
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cloud: decoding error: %s: %v", e.Detail, e.Err)
	}

	return fmt.Sprintf("cloud: decoding error: %s", e.Detail)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// NetworkError wraps transport level failures, including an open circuit breaker.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("cloud: network error: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}
