package rpc

import (
	"bytes"
	"encoding/json"

	"github.com/brandon/outlook-mcp/internal/fault"
)

// Version is the only protocol version the server speaks.
const Version = "2.0"

// Request is a decoded JSON-RPC 2.0 call. A nil or null ID marks a
// notification: it runs but produces no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no usable id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// ErrorData is the structured payload every error carries.
type ErrorData struct {
	Type       string                 `json:"type"`
	Details    map[string]interface{} `json:"details"`
	RetryAfter float64                `json:"retry_after,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// Response carries exactly one of Result or Error, echoing the request id
// exactly as received.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Parse decodes one frame. Batches are rejected: the core's minimum
// contract is one object per frame.
func Parse(data []byte) (*Request, *fault.Fault) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fault.New(fault.KindInvalidRequest, "empty request")
	}
	if trimmed[0] == '[' {
		return nil, fault.New(fault.KindInvalidRequest, "batch requests are not supported")
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fault.Wrap(fault.KindInvalidRequest, err, "malformed JSON-RPC frame")
	}
	if req.JSONRPC != Version {
		return nil, fault.Newf(fault.KindInvalidRequest, "unsupported jsonrpc version %q", req.JSONRPC)
	}
	if req.Method == "" {
		return nil, fault.New(fault.KindInvalidRequest, "missing method")
	}
	return &req, nil
}

// NewResponse builds a success response for the given id.
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse maps a fault onto the wire error shape.
func NewErrorResponse(id json.RawMessage, f *fault.Fault) *Response {
	data := &ErrorData{
		Type:    f.TypeName(),
		Details: f.Details,
	}
	if data.Details == nil {
		data.Details = map[string]interface{}{}
	}
	if f.RetryAfter > 0 {
		data.RetryAfter = f.RetryAfter
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    f.Code(),
			Message: f.Message,
			Data:    data,
		},
	}
}
