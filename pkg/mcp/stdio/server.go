// Package stdio serves the MCP protocol over stdin/stdout: one JSON-RPC
// frame per line in, one reply per line out. Diagnostics go to stderr and
// only when debug is enabled, keeping stdout a clean protocol channel.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/mcpd/pkg/mcp"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

// maxLineBytes bounds a single inbound frame.
const maxLineBytes = 10 * 1024 * 1024

// Server runs the stdio transport over a shared dispatcher. A single
// implicit session backs the whole connection.
type Server struct {
	dispatcher *mcp.Dispatcher
	store      session.Store

	in    io.Reader
	out   io.Writer
	errw  io.Writer
	debug bool
}

// NewServer wires a stdio server reading stdin-style input from in and
// writing replies to out. errw receives diagnostics when debug is on.
func NewServer(dispatcher *mcp.Dispatcher, store session.Store, in io.Reader, out, errw io.Writer, debug bool) *Server {
	return &Server{
		dispatcher: dispatcher,
		store:      store,
		in:         in,
		out:        out,
		errw:       errw,
		debug:      debug,
	}
}

// Run reads frames until EOF or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	sess, err := s.store.Create(ctx, session.CreateOptions{})
	if err != nil {
		return fmt.Errorf("create stdio session: %w", err)
	}
	defer func() { _ = s.store.Delete(context.Background(), sess.ID) }()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(s.out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.debugf("recv: %s", line)

		reply := s.dispatcher.DispatchRaw(ctx, sess, nil, line)
		msg := reply.Message
		if reply.Stream != nil {
			// Incremental results are an SSE feature; drain the stream
			// into line-delimited replies instead.
			s.drainStream(ctx, writer, reply)
			continue
		}
		if msg == nil {
			continue
		}
		if err := s.writeLine(writer, msg); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// drainStream writes each stream item as its own reply line, all carrying
// the originating request ID.
func (s *Server) drainStream(ctx context.Context, writer *bufio.Writer, reply *mcp.Reply) {
	for {
		item, err := reply.Stream.Next(ctx)
		if err != nil {
			if err != io.EOF {
				_ = s.writeLine(writer, mcp.NewErrorf(reply.ID, mcp.InternalError, "stream failed: %v", err))
			}
			return
		}
		if err := s.writeLine(writer, mcp.NewResponse(reply.ID, item)); err != nil {
			return
		}
	}
}

func (s *Server) writeLine(writer *bufio.Writer, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	s.debugf("send: %s", payload)
	if _, err := writer.Write(payload); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}

func (s *Server) debugf(format string, args ...interface{}) {
	if s.debug && s.errw != nil {
		fmt.Fprintf(s.errw, format+"\n", args...)
	}
}
