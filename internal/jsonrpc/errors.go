package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// The -32000..-32099 range is reserved by JSON-RPC 2.0 for
	// implementation-defined server errors.

	// ErrorCodeInvalidSession indicates an unknown or expired session id.
	ErrorCodeInvalidSession ErrorCode = -32000
	// ErrorCodeTimeout indicates a handler or batch deadline elapsed.
	ErrorCodeTimeout ErrorCode = -32001
	// ErrorCodeBatchTooLarge indicates a batch exceeded the configured size cap.
	ErrorCodeBatchTooLarge ErrorCode = -32002
)

// String returns a stable machine-readable token for the code. Unknown codes
// report as "internal_error" so callers always get a usable token.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeParseError:
		return "parse_error"
	case ErrorCodeInvalidRequest:
		return "invalid_request"
	case ErrorCodeMethodNotFound:
		return "method_not_found"
	case ErrorCodeInvalidParams:
		return "invalid_params"
	case ErrorCodeInvalidSession:
		return "invalid_session"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeBatchTooLarge:
		return "batch_too_large"
	default:
		return "internal_error"
	}
}
