// Package apperr defines the typed error taxonomy shared across the gateway.
// Errors carry a Kind for programmatic handling, an Op naming the failing
// operation, and an optional session ID for correlation.
package apperr

import (
	"errors"
	"fmt"
)

// ErrKind classifies an error for programmatic handling.
type ErrKind string

const (
	KindStorage         ErrKind = "storage"           // filesystem / serialization
	KindProcess         ErrKind = "process"           // spawn / signal / exit
	KindConnection      ErrKind = "connection"        // transport open, handshake timeout, unexpected close
	KindProtocol        ErrKind = "protocol"          // malformed JSON-RPC, wrong version, unsupported method
	KindAuth            ErrKind = "auth"              // missing/invalid token
	KindSessionClosed   ErrKind = "session_closed"    // operation on a closed session
	KindRateLimit       ErrKind = "rate_limit"        // consumer exceeded per-socket budget
	KindPayloadTooLarge ErrKind = "payload_too_large" // consumer frame over the size cap
	KindNoAdapter       ErrKind = "no_adapter"        // neither global adapter nor resolver configured
	KindOther           ErrKind = "other"
)

// Error is the root error type for the gateway.
type Error struct {
	Kind      ErrKind
	Op        string // operation that failed, e.g. "bridge.connectBackend"
	SessionID string // optional
	Message   string // optional human-readable detail
	Err       error  // wrapped cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an Error. args may contain an ErrKind, a message string,
// a wrapped error, and an Option.
func E(op string, args ...interface{}) *Error {
	e := &Error{Op: op, Kind: KindOther}
	for _, arg := range args {
		switch a := arg.(type) {
		case ErrKind:
			e.Kind = a
		case string:
			e.Message = a
		case error:
			e.Err = a
		case Option:
			a(e)
		}
	}
	return e
}

// Option mutates an Error during construction.
type Option func(*Error)

// WithSession attaches a session ID to the error.
func WithSession(sessionID string) Option {
	return func(e *Error) { e.SessionID = sessionID }
}

// Kind extracts the ErrKind from err, or KindOther for untyped errors.
func Kind(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	return Kind(err) == kind
}

// SessionID extracts the session ID from err, if any.
func SessionID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.SessionID
	}
	return ""
}
