// Package mcp implements the Model Context Protocol server core: JSON-RPC
// 2.0 dispatch over HTTP and stdio, SSE stream management with replay,
// deferred task execution, and out-of-band elicitation.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/mcpd/pkg/schema"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request or notification.
// Notifications carry a nil ID.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the frame carries no ID.
func (r *JSONRPCRequest) IsNotification() bool {
	return r.ID == nil
}

// JSONRPCResponse represents a successful JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
}

// JSONRPCError represents an error JSON-RPC 2.0 response.
type JSONRPCError struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      interface{}  `json:"id"`
	Error   *ErrorDetail `json:"error"`
}

// ErrorDetail is the JSON-RPC error object.
type ErrorDetail struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// JSON-RPC 2.0 standard error codes.
const (
	ParseError     = -32700 // Invalid JSON
	InvalidRequest = -32600 // Invalid Request object
	MethodNotFound = -32601 // Method doesn't exist
	InvalidParams  = -32602 // Invalid method params
	InternalError  = -32603 // Internal server error
)

// ClientInfo identifies the MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams contains parameters for the initialize method.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// InitializeResult is the initialize response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerCapabilities describes what this server supports. Empty objects mean
// "supported, no sub-features".
type ServerCapabilities struct {
	Tools       map[string]interface{} `json:"tools,omitempty"`
	Resources   map[string]interface{} `json:"resources,omitempty"`
	Prompts     map[string]interface{} `json:"prompts,omitempty"`
	Logging     map[string]interface{} `json:"logging,omitempty"`
	Completions map[string]interface{} `json:"completions,omitempty"`
	Tasks       map[string]interface{} `json:"tasks,omitempty"`
}

// ToolsCallParams contains parameters for the tools/call method.
type ToolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Meta      *RequestMeta           `json:"_meta,omitempty"`
}

// RequestMeta augments a request; task requests deferred execution.
type RequestMeta struct {
	Task *TaskMeta `json:"task,omitempty"`
}

// TaskMeta carries the requested task TTL in milliseconds.
type TaskMeta struct {
	TTL int64 `json:"ttl,omitempty"`
}

// Content is one block of tool/prompt output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a text content block.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// CallToolResult is the in-band tool result. Execution failures set IsError
// so the model can read the message and self-correct; protocol errors are
// reserved for malformed requests.
type CallToolResult struct {
	Content           []Content   `json:"content"`
	StructuredContent interface{} `json:"structuredContent,omitempty"`
	IsError           bool        `json:"isError,omitempty"`
}

// ListToolsResult is the tools/list response page.
type ListToolsResult struct {
	Tools      []schema.Tool `json:"tools"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// ListResourcesResult is the resources/list response page.
type ListResourcesResult struct {
	Resources  []schema.Resource `json:"resources"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// ResourceContents is one resources/read content entry.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the resources/read response.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListPromptsResult is the prompts/list response page.
type ListPromptsResult struct {
	Prompts    []schema.Prompt `json:"prompts"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult is the prompts/get response.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// CompleteParams is the completion/complete request.
type CompleteParams struct {
	Ref      map[string]interface{} `json:"ref"`
	Argument struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"argument"`
}

// CompleteResult is the completion/complete response.
type CompleteResult struct {
	Completion struct {
		Values  []string `json:"values"`
		Total   int      `json:"total,omitempty"`
		HasMore bool     `json:"hasMore,omitempty"`
	} `json:"completion"`
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CreateTaskResult is returned by a deferred tools/call.
type CreateTaskResult struct {
	TaskID       string     `json:"taskId"`
	Status       TaskStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	TTL          int64      `json:"ttl"`
	PollInterval int64      `json:"pollInterval,omitempty"`
}

// TaskInfo is the tasks/get and tasks/list view: status without result.
type TaskInfo struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	TTL           int64      `json:"ttl"`
	PollInterval  int64      `json:"pollInterval,omitempty"`
}

// ListTasksResult is the tasks/list response.
type ListTasksResult struct {
	Tasks []TaskInfo `json:"tasks"`
}

// ElicitationStatus is the elicitation lifecycle state.
type ElicitationStatus string

const (
	ElicitationPending   ElicitationStatus = "pending"
	ElicitationCompleted ElicitationStatus = "completed"
	ElicitationCancelled ElicitationStatus = "cancelled"
)

// logLevels is the accepted set for logging/setLevel.
var logLevels = map[string]bool{
	"debug":     true,
	"info":      true,
	"notice":    true,
	"warning":   true,
	"error":     true,
	"critical":  true,
	"alert":     true,
	"emergency": true,
}
