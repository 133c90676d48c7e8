// Package errors defines the typed status-code error taxonomy consumed by
// the send buffer, transport state, and subscription loop (spec.md §7).
// Every type carries an Op (the operation that failed) and an optional
// underlying cause, and exposes the StatusCode a completion sink should
// report to its caller.
package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/alxayo/opcua-transport/internal/ua"
)

// statusMarker is implemented by every error type in this package so
// callers can recover the wire-level status code regardless of the
// concrete type.
type statusMarker interface {
	error
	StatusCode() ua.StatusCode
}

// TimeoutError reports a pending request whose deadline elapsed.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("timeout: %s", e.Op)
	}
	return fmt.Sprintf("timeout: %s: %v", e.Op, e.Err)
}
func (e *TimeoutError) Unwrap() error             { return e.Err }
func (e *TimeoutError) StatusCode() ua.StatusCode { return ua.StatusTimeout }

// BackpressureError reports a server signalling too many outstanding
// Publish requests.
type BackpressureError struct {
	Op  string
	Err error
}

func (e *BackpressureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("too many publish requests: %s", e.Op)
	}
	return fmt.Sprintf("too many publish requests: %s: %v", e.Op, e.Err)
}
func (e *BackpressureError) Unwrap() error             { return e.Err }
func (e *BackpressureError) StatusCode() ua.StatusCode { return ua.StatusTooManyPublishRequests }

// NoSubscriptionError reports a server with no active subscriptions.
type NoSubscriptionError struct {
	Op  string
	Err error
}

func (e *NoSubscriptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no subscription: %s", e.Op)
	}
	return fmt.Sprintf("no subscription: %s: %v", e.Op, e.Err)
}
func (e *NoSubscriptionError) Unwrap() error             { return e.Err }
func (e *NoSubscriptionError) StatusCode() ua.StatusCode { return ua.StatusNoSubscription }

// SessionFatalError reports a session-scope fatal condition (closed
// session or invalid session id) expected to be handled by keep-alive.
type SessionFatalError struct {
	Op            string
	SessionClosed bool // false means SessionIdInvalid
	Err           error
}

func (e *SessionFatalError) Error() string {
	kind := "session id invalid"
	if e.SessionClosed {
		kind = "session closed"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", kind, e.Op, e.Err)
}
func (e *SessionFatalError) Unwrap() error { return e.Err }
func (e *SessionFatalError) StatusCode() ua.StatusCode {
	if e.SessionClosed {
		return ua.StatusSessionClosed
	}
	return ua.StatusSessionIDInvalid
}

// CommunicationError reports a chunk-count overrun, a final-error chunk,
// or an unspecified transport fault.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("communication error: %s", e.Op)
	}
	return fmt.Sprintf("communication error: %s: %v", e.Op, e.Err)
}
func (e *CommunicationError) Unwrap() error             { return e.Err }
func (e *CommunicationError) StatusCode() ua.StatusCode { return ua.StatusCommunicationError }

// EncodingLimitsError reports too many accumulated chunks for one request.
type EncodingLimitsError struct {
	Op  string
	Err error
}

func (e *EncodingLimitsError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("encoding limits exceeded: %s", e.Op)
	}
	return fmt.Sprintf("encoding limits exceeded: %s: %v", e.Op, e.Err)
}
func (e *EncodingLimitsError) Unwrap() error             { return e.Err }
func (e *EncodingLimitsError) StatusCode() ua.StatusCode { return ua.StatusEncodingLimitsExceeded }

// RequestTooLargeError reports a message exceeding the configured size limit.
type RequestTooLargeError struct {
	Op  string
	Err error
}

func (e *RequestTooLargeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("request too large: %s", e.Op)
	}
	return fmt.Sprintf("request too large: %s: %v", e.Op, e.Err)
}
func (e *RequestTooLargeError) Unwrap() error             { return e.Err }
func (e *RequestTooLargeError) StatusCode() ua.StatusCode { return ua.StatusRequestTooLarge }

// InvalidStateError reports API misuse, e.g. encoding while draining.
type InvalidStateError struct {
	Op  string
	Err error
}

func (e *InvalidStateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid state: %s", e.Op)
	}
	return fmt.Sprintf("invalid state: %s: %v", e.Op, e.Err)
}
func (e *InvalidStateError) Unwrap() error             { return e.Err }
func (e *InvalidStateError) StatusCode() ua.StatusCode { return ua.StatusInvalidState }

// ConnectionClosedError is reported to pending callers when shutdown was
// initiated with a good status — the request still did not succeed.
type ConnectionClosedError struct {
	Op  string
	Err error
}

func (e *ConnectionClosedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection closed: %s", e.Op)
	}
	return fmt.Sprintf("connection closed: %s: %v", e.Op, e.Err)
}
func (e *ConnectionClosedError) Unwrap() error             { return e.Err }
func (e *ConnectionClosedError) StatusCode() ua.StatusCode { return ua.StatusConnectionClosed }

// UnexpectedError reports an unknown or unexpected frame.
type UnexpectedError struct {
	Op  string
	Err error
}

func (e *UnexpectedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unexpected error: %s", e.Op)
	}
	return fmt.Sprintf("unexpected error: %s: %v", e.Op, e.Err)
}
func (e *UnexpectedError) Unwrap() error             { return e.Err }
func (e *UnexpectedError) StatusCode() ua.StatusCode { return ua.StatusUnexpectedError }

// Constructors (encourage contextual wrapping with %w when used by callers).
func NewTimeoutError(op string, cause error) error       { return &TimeoutError{Op: op, Err: cause} }
func NewBackpressureError(op string, cause error) error  { return &BackpressureError{Op: op, Err: cause} }
func NewNoSubscriptionError(op string, cause error) error {
	return &NoSubscriptionError{Op: op, Err: cause}
}
func NewSessionClosedError(op string, cause error) error {
	return &SessionFatalError{Op: op, SessionClosed: true, Err: cause}
}
func NewSessionIDInvalidError(op string, cause error) error {
	return &SessionFatalError{Op: op, SessionClosed: false, Err: cause}
}
func NewCommunicationError(op string, cause error) error {
	return &CommunicationError{Op: op, Err: cause}
}
func NewEncodingLimitsError(op string, cause error) error {
	return &EncodingLimitsError{Op: op, Err: cause}
}
func NewRequestTooLargeError(op string, cause error) error {
	return &RequestTooLargeError{Op: op, Err: cause}
}
func NewInvalidStateError(op string, cause error) error {
	return &InvalidStateError{Op: op, Err: cause}
}
func NewConnectionClosedError(op string, cause error) error {
	return &ConnectionClosedError{Op: op, Err: cause}
}
func NewUnexpectedError(op string, cause error) error { return &UnexpectedError{Op: op, Err: cause} }

// StatusCodeOf extracts the ua.StatusCode from err if it (or something it
// wraps) implements statusMarker, defaulting to StatusUnexpectedError for
// any non-nil error that carries none of our typed status codes.
func StatusCodeOf(err error) ua.StatusCode {
	if err == nil {
		return ua.StatusOK
	}
	var sm statusMarker
	if stdErrors.As(err, &sm) {
		return sm.StatusCode()
	}
	return ua.StatusUnexpectedError
}

// IsTimeout returns true if err is (or wraps) a TimeoutError, a context
// deadline exceeded, or any error type that exposes Timeout() bool and
// returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsBackpressure returns true if err is (or wraps) a BackpressureError.
func IsBackpressure(err error) bool {
	if err == nil {
		return false
	}
	var be *BackpressureError
	return stdErrors.As(err, &be)
}

// IsSessionFatal returns true if err is (or wraps) a SessionFatalError.
func IsSessionFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *SessionFatalError
	return stdErrors.As(err, &se)
}

// Usage pattern example:
//
//	if n > maxChunkCount {
//	    return NewCommunicationError("sendbuf.write", fmt.Errorf("chunks %d > max %d", n, maxChunkCount))
//	}
//
// Keep layering context with fmt.Errorf("...: %w", err).
