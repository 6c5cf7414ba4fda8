package dispatch

import (
	"github.com/Clockwork-Innovations/simply-mcp-go/internal/jsonrpc"
)

// Error is a coded failure a handler can return to control the wire-level
// error response directly. Any other error a handler returns is wrapped as a
// sanitized internal_error: the message is replaced and the original detail
// is available to server-side logging only.
type Error struct {
	Code    jsonrpc.ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds a coded handler error.
func NewError(code jsonrpc.ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrInvalidParams is a convenience constructor for handlers that perform
// their own deep validation beyond the Validator's top-level checks.
func ErrInvalidParams(message string) *Error {
	return &Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: message}
}
