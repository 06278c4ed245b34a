package connector

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-connector/document"
)

var (
	ErrNotInitialized   = errors.New("connector: manager is not initialized")
	ErrNotConnected     = errors.New("connector: lost connection to the broker")
	ErrShutdown         = errors.New("connector: shutdown in progress")
	ErrUnknownManager   = errors.New("connector: unknown manager")
	ErrUnknownEndpoint  = errors.New("connector: unknown endpoint")
	ErrNoRead           = errors.New("connector: endpoint has no read access")
	ErrNoWrite          = errors.New("connector: endpoint has no write access")
	ErrAlreadyConsuming = errors.New("connector: listener is already consuming")
	ErrListenerClosed   = errors.New("connector: listener is closed")
	ErrNoCodec          = errors.New("connector: no codec registered for protocol")
)

// ConfigurationError is a structural or semantic problem in the deployed
// configuration.
type ConfigurationError struct {
	Op      string // Operation that failed
	Subject string // Manager, endpoint or listener identifier
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("configuration error: %s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConnectivityError means the broker is unreachable or the connection was lost.
type ConnectivityError struct {
	Op        string
	Manager   string
	URL       string // sanitized
	Err       error
	Timestamp time.Time
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error: %s on %s: %v", e.Op, e.Manager, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ValidationError is a missing or out-of-range request parameter.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// TimeoutError means no message arrived within the requested window.
type TimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no message received on %s within %s", e.Endpoint, e.Timeout)
}

// FaultError wraps a fault response returned by the host runtime.
type FaultError struct {
	Code    string
	Message string
	Detail  *document.Node
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault %s: %s", e.Code, e.Message)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsConnectivity reports whether err is a ConnectivityError.
func IsConnectivity(err error) bool {
	var target *ConnectivityError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsRetryable determines if the caller may retry the request.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case IsConfiguration(err), IsValidation(err):
		return false
	case IsTimeout(err), IsConnectivity(err):
		return true
	}
	var fault *FaultError
	return !errors.As(err, &fault)
}

func configError(op, subject string, err error) error {
	return &ConfigurationError{Op: op, Subject: subject, Err: err}
}

func configErrorf(op, subject, format string, args ...any) error {
	return &ConfigurationError{Op: op, Subject: subject, Err: fmt.Errorf(format, args...)}
}
