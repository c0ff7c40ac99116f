package main

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/mcpd/pkg/schema"
)

var startedAt = time.Now()

// registerBuiltins installs the tools and resources every mcpd deployment
// carries. Application tools are registered by embedders before Freeze.
func registerBuiltins(registry *schema.Registry) {
	_ = registry.RegisterTool(schema.Tool{
		Name:        "echo",
		Description: "Echo a message back. Useful for connectivity checks.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"msg": map[string]interface{}{
					"type":        "string",
					"description": "Message to echo back",
				},
			},
			"required": []interface{}{"msg"},
		},
		Annotations: &schema.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(_ context.Context, req *schema.ToolRequest) (interface{}, error) {
		return req.Arguments["msg"].(string), nil
	})

	_ = registry.RegisterResource(schema.Resource{
		URI:         "mcpd://status",
		Name:        "Server status",
		Description: "Daemon version and uptime.",
		MimeType:    "application/json",
	}, func(_ context.Context, _ *schema.ResourceRequest) (interface{}, error) {
		return map[string]interface{}{
			"version": version,
			"commit":  gitCommit,
			"uptime":  time.Since(startedAt).Round(time.Second).String(),
		}, nil
	})
}
