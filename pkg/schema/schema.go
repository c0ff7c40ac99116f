// Package schema holds the registry of tools, resources, and prompts exposed
// over MCP, together with compiled JSON Schema validation of their inputs.
package schema

import (
	"context"
)

// Tool describes a callable tool as advertised to clients.
type Tool struct {
	// Name is the unique tool name (e.g., "search_code").
	Name string `json:"name"`

	// Description is a human-readable description of what the tool does.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema (object root) for the tool arguments.
	InputSchema map[string]interface{} `json:"inputSchema"`

	// Annotations carry optional behavioral hints.
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are advisory hints about tool behavior. Hints are not
// enforced; destructive calls are logged but not blocked.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool   `json:"openWorldHint,omitempty"`
}

// Resource describes a readable resource keyed by URI.
type Resource struct {
	// URI is the unique resource identifier (e.g., "file:///project/README.md").
	URI string `json:"uri"`

	// Name is a human-readable name for the resource.
	Name string `json:"name"`

	// Description is an optional description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type returned by reads.
	MimeType string `json:"mimeType,omitempty"`

	// URISchema is an optional JSON Schema (string root) constraining
	// request URIs for templated resources.
	URISchema map[string]interface{} `json:"-"`
}

// Prompt describes a prompt template.
type Prompt struct {
	// Name is the unique prompt name.
	Name string `json:"name"`

	// Description is an optional description.
	Description string `json:"description,omitempty"`

	// Arguments lists the accepted template arguments.
	Arguments []PromptArgument `json:"arguments,omitempty"`

	// ArgumentsSchema is an optional JSON Schema (object root) for
	// validating prompt arguments beyond the required/optional flags.
	ArgumentsSchema map[string]interface{} `json:"-"`
}

// PromptArgument describes one prompt template argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolRequest is passed to a ToolHandler for one tools/call invocation.
// Arguments have already been sanitized and validated against the tool's
// input schema.
type ToolRequest struct {
	Name      string
	Arguments map[string]interface{}
	SessionID string
	Meta      map[string]interface{}
}

// ResourceRequest is passed to a ResourceHandler for one resources/read.
type ResourceRequest struct {
	URI       string
	SessionID string
}

// PromptRequest is passed to a PromptHandler for one prompts/get.
type PromptRequest struct {
	Name      string
	Arguments map[string]interface{}
	SessionID string
}

// ToolHandler executes a tool call. The returned value becomes the tool
// result content. A handler may return a Stream to deliver results
// incrementally over SSE; any other value is serialized as a single result.
type ToolHandler func(ctx context.Context, req *ToolRequest) (interface{}, error)

// ResourceHandler serves resources/read for a registered resource.
type ResourceHandler func(ctx context.Context, req *ResourceRequest) (interface{}, error)

// PromptHandler serves prompts/get for a registered prompt.
type PromptHandler func(ctx context.Context, req *PromptRequest) (interface{}, error)

// Stream is an incremental tool result. Next returns the next item, or
// io.EOF when the stream is exhausted. Any other error aborts delivery.
type Stream interface {
	Next(ctx context.Context) (interface{}, error)
}
