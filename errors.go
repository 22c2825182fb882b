package msgpackrpc

import (
	"errors"
	"fmt"
)

// Kind classifies the errors a connection or request can terminate with,
// per spec §7. Values are comparable with errors.Is against the sentinels
// below.
type Kind int

const (
	KindConnection Kind = iota
	KindResponse
	KindInvalidRequest
	KindInvalidResponse
	KindInvalidData
	KindTimeout
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindResponse:
		return "response"
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidResponse:
		return "invalid_response"
	case KindInvalidData:
		return "invalid_data"
	case KindTimeout:
		return "timeout"
	case KindSerialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is. Error carries the Kind and, for
// KindResponse, the peer-supplied error payload.
var (
	ErrConnection      = &Error{Kind: KindConnection, Msg: "not connected"}
	ErrResponse        = &Error{Kind: KindResponse, Msg: "response error"}
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest, Msg: "invalid request"}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse, Msg: "invalid response"}
	ErrInvalidData     = &Error{Kind: KindInvalidData, Msg: "invalid data"}
	ErrTimeout         = &Error{Kind: KindTimeout, Msg: "timeout"}
	ErrSerialization   = &Error{Kind: KindSerialization, Msg: "serialization failed"}
)

// Error is the concrete error type returned through the engine and its
// handlers. Payload carries the server-supplied error value for
// KindResponse; it is nil for the other kinds.
type Error struct {
	Kind    Kind
	Msg     string
	Payload interface{}
}

func (e *Error) Error() string {
	if e.Payload != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Payload)
	}
	return e.Msg
}

// Is reports whether target is one of the package sentinels of the same
// Kind, so callers can do errors.Is(err, msgpackrpc.ErrTimeout).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewResponseError wraps a peer-supplied error payload (any MessagePack
// value) as a KindResponse error.
func NewResponseError(payload interface{}) *Error {
	return &Error{Kind: KindResponse, Msg: "response error", Payload: payload}
}

// AsError unwraps err into *Error, following errors.As semantics.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
