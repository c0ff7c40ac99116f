package main

import (
	"context"
	"os"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
	"github.com/fyrsmithlabs/mcpd/pkg/mcp/stdio"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

// runStdio serves MCP over stdin/stdout. Stdout carries protocol frames
// only; diagnostics go to stderr when MCPD_DEBUG is set.
func runStdio(ctx context.Context, dispatcher *mcp.Dispatcher, store session.Store) error {
	debug := os.Getenv("MCPD_DEBUG") != ""
	srv := stdio.NewServer(dispatcher, store, os.Stdin, os.Stdout, os.Stderr, debug)
	return srv.Run(ctx)
}
