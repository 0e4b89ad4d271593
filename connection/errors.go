package connection

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

type ErrorType string

const (
	ErrorTypeConnection     ErrorType = "connection"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Error is the transport-level failure taxonomy. Retryable failures are
// recovered locally by the monitor's backoff loop; non-retryable ones park
// the monitor in the Error state until ForceReconnect.
type Error struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewAuthError builds the terminal failure used when no usable credential
// exists. Reconnecting with the same missing token would fail identically,
// so it is never retryable.
func NewAuthError(message string, err error) *Error {
	return &Error{
		Type:      ErrorTypeAuthentication,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: false,
		Err:       err,
	}
}

// Classify wraps a raw transport failure into the taxonomy. Timeouts and
// network-level failures are retryable; anything mentioning authentication
// is not.
func Classify(err error, scope string) *Error {
	cerr := &Error{
		Type:      ErrorTypeUnknown,
		Message:   err.Error(),
		Timestamp: time.Now(),
		Retryable: true,
		Err:       err,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cerr.Type = ErrorTypeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		cerr.Type = ErrorTypeTimeout
	case errors.As(err, &netErr):
		cerr.Type = ErrorTypeNetwork
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "auth") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
			cerr.Type = ErrorTypeAuthentication
			cerr.Retryable = false
		case strings.Contains(msg, "timeout"):
			cerr.Type = ErrorTypeTimeout
		case strings.Contains(msg, "network"):
			cerr.Type = ErrorTypeNetwork
		case strings.Contains(msg, "connect") || strings.Contains(msg, "dial"):
			cerr.Type = ErrorTypeConnection
		}
	}

	if scope != "" {
		cerr.Message = scope + ": " + cerr.Message
	}
	return cerr
}

// IsRetryable reports whether err allows another connect attempt.
func IsRetryable(err error) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Retryable
	}
	return true
}
