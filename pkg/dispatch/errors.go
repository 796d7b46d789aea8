package dispatch

import "fmt"

// Code is the fixed error-code taxonomy for tool RPC failures. Retryability
// is a property of the code, not of individual call sites.
type Code string

const (
	CodeUnavailable       Code = "unavailable"        // transient network/availability
	CodeResourceExhausted Code = "resource_exhausted" // backend overloaded or rate-limited
	CodeTimeout           Code = "timeout"            // per-call deadline exceeded
	CodeCancelled         Code = "cancelled"          // caller cancelled mid-call
	CodeInvalidArgument   Code = "invalid_argument"   // malformed invocation
	CodePermissionDenied  Code = "permission_denied"  // backend-side policy rejection
	CodeInternal          Code = "internal"           // backend bug, not worth repeating
	CodeUnknown           Code = "unknown"
)

// Retryable reports whether errors with this code may be retried.
// Timeouts are intentionally terminal: a hung backend retried blindly risks
// duplicate side effects.
func (c Code) Retryable() bool {
	switch c {
	case CodeUnavailable, CodeResourceExhausted:
		return true
	}
	return false
}

// Error is the typed failure the client surfaces to the engine once its
// internal attempts are spent. The engine uses Retryable to pick the outer
// transition (retrying vs failed vs dead_lettered).
type Error struct {
	Code      Code
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dispatch %s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("dispatch %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed dispatch error; retryability follows the code.
func NewError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Retryable: code.Retryable(), Message: msg, Err: cause}
}
