package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed set of internal failure kinds. Adapter implementations
// report failures as one of these; everything else is collapsed to
// KindInternal at the outermost boundary.
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindMethodNotFound
	KindInvalidParams
	KindInternal
	KindSessionUninitialized
	KindUnavailable
	KindNotFound
	KindPermissionDenied
	KindSearchFailed
	KindTimeout
	KindRateLimited
	KindOverloaded
	KindTransient
	KindPermanent
)

// JSON-RPC error codes. The -32000 range carries server-defined kinds.
const (
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternal             = -32603
	CodeSessionUninitialized = -32000
	CodeOverloaded           = -32000
	CodeUnavailable          = -32001
	CodeNotFound             = -32002
	CodePermissionDenied     = -32004
	CodeSearchFailed         = -32005
	CodeTimeout              = -32006
	CodeRateLimited          = -32007
)

// Fault is a classified failure carrying everything needed to build a stable
// JSON-RPC error object: numeric code, short message, and structured data
// with a type name and details. Messages never include mail content.
type Fault struct {
	Kind       Kind
	Type       string
	Message    string
	Details    map[string]interface{}
	RetryAfter float64
	cause      error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.cause)
	}
	return f.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.cause
}

// Code returns the JSON-RPC error code for the fault's kind. Transient and
// permanent are adapter-internal: a transient failure that survived retries
// surfaces as unavailable, a permanent one as an internal error.
func (f *Fault) Code() int {
	switch f.Kind {
	case KindInvalidRequest:
		return CodeInvalidRequest
	case KindMethodNotFound:
		return CodeMethodNotFound
	case KindInvalidParams:
		return CodeInvalidParams
	case KindSessionUninitialized:
		return CodeSessionUninitialized
	case KindOverloaded:
		return CodeOverloaded
	case KindUnavailable, KindTransient:
		return CodeUnavailable
	case KindNotFound:
		return CodeNotFound
	case KindPermissionDenied:
		return CodePermissionDenied
	case KindSearchFailed:
		return CodeSearchFailed
	case KindTimeout:
		return CodeTimeout
	case KindRateLimited:
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// TypeName returns the data.type value for the fault.
func (f *Fault) TypeName() string {
	if f.Type != "" {
		return f.Type
	}
	switch f.Kind {
	case KindInvalidRequest, KindMethodNotFound:
		return "ProtocolError"
	case KindInvalidParams:
		return "ValidationError"
	case KindSessionUninitialized:
		return "SessionError"
	case KindOverloaded:
		return "Overloaded"
	case KindUnavailable, KindTransient:
		return "OutlookConnectionError"
	case KindNotFound:
		return "EmailNotFoundError"
	case KindPermissionDenied:
		return "PermissionError"
	case KindSearchFailed:
		return "SearchError"
	case KindTimeout:
		return "TimeoutError"
	case KindRateLimited:
		return "RateLimitError"
	default:
		return "InternalError"
	}
}

// Retryable reports whether a handler may retry the operation.
func (f *Fault) Retryable() bool {
	return f.Kind == KindTransient
}

// WithDetail attaches a key/value to the fault's details and returns it.
func (f *Fault) WithDetail(key string, value interface{}) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]interface{})
	}
	f.Details[key] = value
	return f
}

// New builds a fault of the given kind.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Newf builds a fault with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is preserved for logging but
// never serialized to clients.
func Wrap(kind Kind, err error, message string) *Fault {
	return &Fault{Kind: kind, Message: message, cause: errors.WithStack(err)}
}

// InvalidParams reports a parameter validation failure.
func InvalidParams(message string) *Fault {
	return New(KindInvalidParams, message)
}

// InvalidParamsField reports a validation failure on a named field.
func InvalidParamsField(field, message string) *Fault {
	return InvalidParams(message).WithDetail("field", field)
}

// MethodNotFound reports an unknown method.
func MethodNotFound(method string) *Fault {
	return Newf(KindMethodNotFound, "method %q not found", method).WithDetail("method", method)
}

// EmailNotFound reports a missing email id.
func EmailNotFound(emailID string) *Fault {
	f := Newf(KindNotFound, "email with ID %q not found", emailID)
	f.Type = "EmailNotFoundError"
	return f.WithDetail("email_id", emailID)
}

// FolderNotFound reports a missing folder id.
func FolderNotFound(folderID string) *Fault {
	f := Newf(KindNotFound, "folder %q not found", folderID)
	f.Type = "FolderNotFoundError"
	return f.WithDetail("folder_id", folderID)
}

// PermissionDenied reports that the store refused access to a resource.
func PermissionDenied(resource string) *Fault {
	return Newf(KindPermissionDenied, "access denied to %s", resource).WithDetail("resource", resource)
}

// Unavailable reports that the mail store cannot be reached.
func Unavailable(err error) *Fault {
	return Wrap(KindUnavailable, err, "mail store unavailable")
}

// Timeout reports a deadline hit on the named operation.
func Timeout(operation string, seconds float64) *Fault {
	f := Newf(KindTimeout, "operation %q timed out", operation)
	return f.WithDetail("operation", operation).WithDetail("timeout_seconds", seconds)
}

// RateLimited reports a limiter denial with the suggested wait.
func RateLimited(retryAfter float64) *Fault {
	f := New(KindRateLimited, "rate limit exceeded")
	f.RetryAfter = retryAfter
	return f
}

// Overloaded reports that the admission gate is full.
func Overloaded() *Fault {
	return New(KindOverloaded, "server overloaded, try again later")
}

// SessionUninitialized reports a call before the handshake.
func SessionUninitialized() *Fault {
	return New(KindSessionUninitialized, "session not initialized: call initialize first")
}

// Internal wraps an unexpected escape.
func Internal(err error) *Fault {
	return Wrap(KindInternal, err, "internal server error")
}

// From returns err as a *Fault, classifying plain errors as internal.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Internal(err)
}
