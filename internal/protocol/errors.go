// ABOUTME: Error taxonomy shared by the gateway, transports and execution contexts
// ABOUTME: Errors carry a kind that survives the JSON round trip and matches via errors.Is

package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol error.
type Kind string

const (
	KindTransportUnavailable Kind = "transport_unavailable"
	KindTimeout              Kind = "timeout"
	KindNotConnected         Kind = "not_connected"
	KindModuleLoad           Kind = "module_load"
	KindMalformedMessage     Kind = "malformed_message"
	KindHandler              Kind = "handler_error"
	KindUnknownType          Kind = "unknown_type"
)

// Sentinels for errors.Is. Only the kind is compared.
var (
	ErrTransportUnavailable = &Error{Kind: KindTransportUnavailable, Message: "transport unavailable"}
	ErrTimeout              = &Error{Kind: KindTimeout, Message: "call timed out"}
	ErrNotConnected         = &Error{Kind: KindNotConnected, Message: "not connected"}
	ErrModuleLoad           = &Error{Kind: KindModuleLoad, Message: "module load failed"}
	ErrMalformedMessage     = &Error{Kind: KindMalformedMessage, Message: "malformed message"}
	ErrHandler              = &Error{Kind: KindHandler, Message: "handler failed"}
	ErrUnknownType          = &Error{Kind: KindUnknownType, Message: "unknown message type"}
)

// Error is a protocol-level failure with a stable kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// AsError converts any error to an *Error, defaulting to handler_error.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if err == nil {
		return &Error{Kind: KindHandler}
	}
	return &Error{Kind: KindHandler, Message: err.Error(), Err: err}
}

// KindOf returns the kind of err, or an empty kind for non-protocol errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
