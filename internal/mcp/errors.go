package mcp

import "fmt"

// JSON-RPC error codes used on the wire.
const (
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodePermissionDenied = -32000
	CodeRateLimited      = -32001
	CodeTenantError      = -32002
	CodeHandlerError     = -32003
	CodeInternal         = -32603
)

// Error is a JSON-RPC error object. It implements the error interface so
// handlers can return it directly and the router can surface it unchanged.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...interface{}) *Error {
	return Errorf(CodeInvalidRequest, "Invalid request: "+format, args...)
}

func MethodNotFound(method string) *Error {
	return Errorf(CodeMethodNotFound, "Method not found: %s", method)
}

func ToolNotFound(name string) *Error {
	return Errorf(CodeMethodNotFound, "Tool not found: %s", name)
}

func PermissionDenied(perm string) *Error {
	return Errorf(CodePermissionDenied, "Permission denied: required %s", perm)
}

func RateLimited() *Error {
	return Errorf(CodeRateLimited, "Rate limit exceeded")
}

func TenantError(format string, args ...interface{}) *Error {
	return Errorf(CodeTenantError, "Tenant error: "+format, args...)
}

func HandlerError(format string, args ...interface{}) *Error {
	return Errorf(CodeHandlerError, "Handler error: "+format, args...)
}

// InvalidArguments is argument validation failure inside a handler. It is a
// handler error on the wire, not an invalid request.
func InvalidArguments(format string, args ...interface{}) *Error {
	return Errorf(CodeHandlerError, "Invalid arguments: "+format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return Errorf(CodeInternal, "Internal error: "+format, args...)
}
