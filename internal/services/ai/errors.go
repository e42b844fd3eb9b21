package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorType categorizes remote generation failures for logging and metrics.
type ErrorType string

const (
	ErrConfigAbsent ErrorType = "config_absent" // no API key, expected
	ErrTransport    ErrorType = "transport"     // DNS, timeout, connection reset
	ErrRemoteStatus ErrorType = "remote_status" // non-2xx, quota, invalid key
	ErrMalformed    ErrorType = "malformed"     // 2xx without a usable candidate
	ErrUnknown      ErrorType = "unknown"
)

// ErrNotConfigured is returned by generators that have no credential.
var ErrNotConfigured = errors.New("remote generator not configured")

// RemoteError wraps a failed call to the generative endpoint.
type RemoteError struct {
	Type       ErrorType
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Type, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Type, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ClassifyError maps any generator error onto the taxonomy. nil yields "".
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotConfigured) {
		return ErrConfigAbsent
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Type
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransport
	}
	return ErrUnknown
}
