package envoy

import (
	"errors"
	"fmt"
)

// ErrAuthenticationRequired is returned when an operation needs an
// authentication method that has not been set up yet.
var ErrAuthenticationRequired = errors.New("envoy: authentication has not been set up")

// ConfigError indicates an invalid combination of configuration inputs.
// Retrying without fixing the inputs is pointless.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("envoy: config: %s", e.Message)
}

// CommunicationError indicates a transport-level failure (network down,
// timeout, connection refused). The caller may retry on a later cycle.
type CommunicationError struct {
	Op  string
	URL string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("envoy: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// AuthenticationError indicates that the cloud or the gateway rejected the
// provided credentials. Not retryable without new input.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envoy: auth: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("envoy: auth: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// InvalidTokenError indicates that a token exists but the gateway refuses it.
// The token auth drops the token and starts over from scratch.
type InvalidTokenError struct {
	Message string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("envoy: invalid token: %s", e.Message)
}

// SetupError indicates that the device answered during detection but in an
// unexpected or unsupported shape. Blind retries will not help.
type SetupError struct {
	Message string
	Err     error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envoy: setup: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("envoy: setup: %s", e.Message)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// StatusError carries a non-2xx HTTP response status. It is never retried by
// the transport; the reader handles 401 through the auth recovery hook.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("envoy: GET %s: unexpected status %d", e.URL, e.StatusCode)
}
