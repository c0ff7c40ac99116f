package mcp

import (
	"fmt"
)

// NewResponse builds a success envelope.
func NewResponse(id, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewError builds an error envelope.
func NewError(id interface{}, code int, message string) *JSONRPCError {
	return &JSONRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorDetail{Code: code, Message: message},
	}
}

// NewErrorf builds an error envelope with a formatted message.
func NewErrorf(id interface{}, code int, format string, args ...interface{}) *JSONRPCError {
	return NewError(id, code, fmt.Sprintf(format, args...))
}

// toolError wraps a message as an in-band tool failure.
func toolError(message string) *CallToolResult {
	return &CallToolResult{
		Content: []Content{TextContent(message)},
		IsError: true,
	}
}

// toolText wraps a plain string as a successful tool result.
func toolText(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{TextContent(text)}}
}
