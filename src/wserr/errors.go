// Package wserr defines the error taxonomy shared by the harness packages.
//
// TimeoutError always unwraps to ErrTimeout, so callers can test for a
// timeout with errors.Is regardless of which operation produced it.
package wserr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("operation timed out")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("connection already active")
)

// ConnectionError reports an unreachable, refused or malformed endpoint.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a suspending operation that exceeded its bound.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s: timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ProtocolError reports a frame that could not be decoded.
type ProtocolError struct {
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthenticationError reports a terminal handshake failure.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// SubscriptionError reports a subscription that was never confirmed
// or could not be sent.
type SubscriptionError struct {
	SubscriptionID string
	EventType      string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s (%s): %v", e.SubscriptionID, e.EventType, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ReconnectError reports an exhausted reconnection budget.
type ReconnectError struct {
	Attempts int
	Err      error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("reconnect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ReconnectError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is, or wraps, a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
