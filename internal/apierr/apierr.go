// Package apierr defines the error kinds reported by the telemetry client.
//
// Every failure returned by the auth, protocol and session packages matches
// exactly one of the sentinel kinds with errors.Is, while still unwrapping to
// the underlying cause (a network error, a JSON error, ...).
package apierr

import (
	"errors"
	"strings"
)

// Error kinds.
var (
	// ErrAuthentication means the token request failed or returned no token.
	ErrAuthentication = errors.New("authentication failed")

	// ErrProtocol means an envelope carried an unexpected handler or lacked required fields.
	ErrProtocol = errors.New("protocol error")

	// ErrData means a well-formed envelope carried a semantically empty or invalid payload.
	ErrData = errors.New("invalid data")

	// ErrConnection means the socket failed to open, closed, or timed out
	// before the expected response arrived.
	ErrConnection = errors.New("connection error")
)

// Error is a classified failure.
type Error struct {
	// Kind is one of the sentinel kinds above.
	Kind error
	// Op names the operation that failed (e.g. "authenticate", "decode profiles").
	Op string
	// Detail is a human-readable reason, for example the backend's message.
	Detail string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Authentication returns an ErrAuthentication error.
func Authentication(op, detail string, cause error) error {
	return &Error{Kind: ErrAuthentication, Op: op, Detail: detail, Err: cause}
}

// Protocol returns an ErrProtocol error.
func Protocol(op, detail string, cause error) error {
	return &Error{Kind: ErrProtocol, Op: op, Detail: detail, Err: cause}
}

// Data returns an ErrData error.
func Data(op, detail string, cause error) error {
	return &Error{Kind: ErrData, Op: op, Detail: detail, Err: cause}
}

// Connection returns an ErrConnection error.
func Connection(op, detail string, cause error) error {
	return &Error{Kind: ErrConnection, Op: op, Detail: detail, Err: cause}
}

// Detail returns the Detail of the first *Error in err's chain, or "".
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

// KindName returns a short label for err's kind, suitable for metrics.
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrData):
		return "data"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "other"
	}
}
