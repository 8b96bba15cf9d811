package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC 2.0 and EIP-1193 error codes.
const (
	CodeParse             = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
)

// Fault is an error with a JSON-RPC code. Backend faults travel through the
// bridge unchanged.
type Fault struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	cause error
}

// NewFault builds a Fault with the given code and message.
func NewFault(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error returns the fault message verbatim.
func (f *Fault) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("wallet error %d", f.Code)
	}
	return f.Message
}

// Unwrap returns the error the fault was built from, if any.
func (f *Fault) Unwrap() error { return f.cause }

// ErrorCode returns f.Code.
func (f *Fault) ErrorCode() int { return f.Code }

// coder is implemented by errors that carry their own JSON-RPC code.
type coder interface {
	ErrorCode() int
}

// AsFault converts err into a Fault. Faults pass through untouched, errors
// with an ErrorCode keep that code, and everything else (transport errors,
// timeouts, cancellation) becomes CodeInternal. The original error stays
// reachable through errors.Unwrap.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	var c coder
	if errors.As(err, &c) {
		return &Fault{Code: c.ErrorCode(), Message: err.Error(), cause: err}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Fault{Code: CodeInternal, Message: "request timed out", cause: err}
	case errors.Is(err, context.Canceled):
		return &Fault{Code: CodeInternal, Message: "request cancelled", cause: err}
	}
	return &Fault{Code: CodeInternal, Message: err.Error(), cause: err}
}

// wrapFault returns a CodeInternal fault that keeps err as its cause.
func wrapFault(err error, format string, args ...any) *Fault {
	return &Fault{
		Code:    CodeInternal,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		cause:   err,
	}
}
