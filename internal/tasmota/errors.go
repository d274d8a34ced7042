package tasmota

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// ErrorType classifies every failure surfaced by the device SDK
type ErrorType string

const (
	ErrorTypeNetwork         ErrorType = "NETWORK_ERROR"
	ErrorTypeTimeout         ErrorType = "TIMEOUT_ERROR"
	ErrorTypeAuthentication  ErrorType = "AUTHENTICATION_ERROR"
	ErrorTypeDeviceNotFound  ErrorType = "DEVICE_NOT_FOUND"
	ErrorTypeInvalidResponse ErrorType = "INVALID_RESPONSE"
	ErrorTypeCommandFailed   ErrorType = "COMMAND_FAILED"
	ErrorTypeValidation      ErrorType = "VALIDATION_ERROR"
)

// Sentinel values for errors.Is checks against a classified *Error:
//
//	if errors.Is(err, tasmota.ErrTimeout) {
//	    // device did not answer in time
//	}
var (
	ErrNetwork         = &Error{Type: ErrorTypeNetwork}
	ErrTimeout         = &Error{Type: ErrorTypeTimeout}
	ErrAuthentication  = &Error{Type: ErrorTypeAuthentication}
	ErrDeviceNotFound  = &Error{Type: ErrorTypeDeviceNotFound}
	ErrInvalidResponse = &Error{Type: ErrorTypeInvalidResponse}
	ErrCommandFailed   = &Error{Type: ErrorTypeCommandFailed}
	ErrValidation      = &Error{Type: ErrorTypeValidation}
)

// Error is a classified device failure with device and command context
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	DeviceHost string    `json:"device_host,omitempty"`
	Command    string    `json:"command,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Err        error     `json:"-"`
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.DeviceHost != "" {
		sb.WriteString(" (host=")
		sb.WriteString(e.DeviceHost)
		if e.Command != "" {
			sb.WriteString(", command=")
			sb.WriteString(e.Command)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// Unwrap returns the original cause, if any
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same type.
// This makes the package-level sentinels usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// UserFriendlyMessage returns a stable, type-specific sentence for end users
func (e *Error) UserFriendlyMessage() string {
	host := e.DeviceHost
	if host == "" {
		host = "the device"
	}

	switch e.Type {
	case ErrorTypeNetwork:
		return fmt.Sprintf("Unable to communicate with %s. Please check your network connection.", host)
	case ErrorTypeTimeout:
		return fmt.Sprintf("%s is not responding. It may be offline or busy.", capitalize(host))
	case ErrorTypeAuthentication:
		return fmt.Sprintf("Authentication failed for %s. Please check the username and password.", host)
	case ErrorTypeDeviceNotFound:
		return fmt.Sprintf("Could not find a device at %s. Please verify the address.", host)
	case ErrorTypeInvalidResponse:
		return fmt.Sprintf("%s returned an unexpected response.", capitalize(host))
	case ErrorTypeCommandFailed:
		return fmt.Sprintf("The command could not be executed on %s.", host)
	case ErrorTypeValidation:
		return "The provided settings are invalid. Please review them and try again."
	default:
		return "An unknown error occurred."
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// NetworkError reports a generic communication failure
func NetworkError(message, host, command string, cause error) *Error {
	return &Error{
		Type:       ErrorTypeNetwork,
		Message:    message,
		DeviceHost: host,
		Command:    command,
		Err:        cause,
	}
}

// TimeoutError reports that the device did not answer within timeout
func TimeoutError(host, command string, timeout time.Duration) *Error {
	return &Error{
		Type:       ErrorTypeTimeout,
		Message:    fmt.Sprintf("request timed out after %dms", timeout.Milliseconds()),
		DeviceHost: host,
		Command:    command,
	}
}

// AuthenticationError reports rejected credentials
func AuthenticationError(host string) *Error {
	return &Error{
		Type:       ErrorTypeAuthentication,
		Message:    "authentication failed: invalid username or password",
		DeviceHost: host,
		StatusCode: 401,
	}
}

// DeviceNotFound reports an unresolvable or refusing host
func DeviceNotFound(host string) *Error {
	return &Error{
		Type:       ErrorTypeDeviceNotFound,
		Message:    fmt.Sprintf("device not found at %s", host),
		DeviceHost: host,
	}
}

// InvalidResponse reports a response that could not be understood
func InvalidResponse(host, command, reason string) *Error {
	return &Error{
		Type:       ErrorTypeInvalidResponse,
		Message:    fmt.Sprintf("invalid response: %s", reason),
		DeviceHost: host,
		Command:    command,
	}
}

// CommandFailed reports a command rejected by the device
func CommandFailed(host, command, reason string, statusCode int) *Error {
	msg := fmt.Sprintf("command %q failed", command)
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{
		Type:       ErrorTypeCommandFailed,
		Message:    msg,
		DeviceHost: host,
		Command:    command,
		StatusCode: statusCode,
	}
}

// ValidationError reports malformed input or a malformed response shape
func ValidationError(message string) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// FromUnknown classifies an arbitrary error. A value that is already an
// *Error is returned unchanged.
func FromUnknown(err error, host, command string) *Error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		return te
	}

	msg := strings.ToLower(err.Error())

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		e := NetworkError(err.Error(), host, command, err)
		e.Type = ErrorTypeTimeout
		return e
	case isNotFound(err),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "econnrefused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "enotfound"):
		e := DeviceNotFound(host)
		e.Command = command
		e.Err = err
		return e
	case strings.Contains(msg, "unauthorized"),
		statusUnauthorized.MatchString(msg):
		e := AuthenticationError(host)
		e.Command = command
		e.Err = err
		return e
	}

	return NetworkError(err.Error(), host, command, err)
}

var statusUnauthorized = regexp.MustCompile(`\b401\b`)

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// AsError returns err as a classified *Error, classifying it if needed
func AsError(err error) *Error {
	return FromUnknown(err, "", "")
}
