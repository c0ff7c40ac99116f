package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/internal/metrics"
	"github.com/fyrsmithlabs/mcpd/pkg/auth"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

const (
	// HeaderStreamID announces the per-stream ID to the client.
	HeaderStreamID = "Mcp-Stream-Id"

	// HeaderLastEventID carries the client's resume position.
	HeaderLastEventID = "Last-Event-ID"

	// DefaultHeartbeat is the SSE comment interval keeping proxies from
	// idling the connection out.
	DefaultHeartbeat = 30 * time.Second

	// DefaultSessionIdleTTL is how long an idle, unreferenced session
	// survives before the sweeper collects it.
	DefaultSessionIdleTTL = 30 * time.Minute

	// DefaultSweepInterval paces the background sweepers.
	DefaultSweepInterval = time.Minute
)

// ServerConfig carries the HTTP transport settings.
type ServerConfig struct {
	EnableSSE      bool
	Heartbeat      time.Duration
	SessionIdleTTL time.Duration
	SweepInterval  time.Duration
}

func (c *ServerConfig) defaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = DefaultSessionIdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Server is the HTTP transport: /mcp exchange, SSE streaming, and the
// elicitation callback endpoints.
type Server struct {
	cfg          ServerConfig
	dispatcher   *Dispatcher
	store        session.Store
	streams      *StreamManager
	tasks        *TaskManager
	elicitations *ElicitationManager
	logger       *logging.Logger
	metrics      *metrics.Metrics

	flight sync.Map // session ID -> *sync.Mutex
}

// NewServer wires the transport. tasks and elicitations may be nil when the
// corresponding subsystems are disabled.
func NewServer(cfg ServerConfig, dispatcher *Dispatcher, store session.Store, streams *StreamManager, tasks *TaskManager, elicitations *ElicitationManager, logger *logging.Logger, m *metrics.Metrics) *Server {
	cfg.defaults()
	if m == nil {
		m = metrics.NewNop()
	}
	return &Server{
		cfg:          cfg,
		dispatcher:   dispatcher,
		store:        store,
		streams:      streams,
		tasks:        tasks,
		elicitations: elicitations,
		logger:       logger,
		metrics:      m,
	}
}

// Register mounts the transport routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/mcp", s.handlePost)
	e.GET("/mcp", s.handleGet)
	e.DELETE("/mcp", s.handleDelete)
	e.POST("/elicitation/:id/complete", s.handleElicitationComplete)
	e.POST("/elicitation/:id/cancel", s.handleElicitationCancel)
	e.GET("/elicitation/:id/status", s.handleElicitationStatus)
}

// RunSweepers loops the session, task, and elicitation sweepers until the
// context ends.
func (s *Server) RunSweepers(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	refs := func(sessionID string) int {
		n := 0
		if s.tasks != nil {
			n += s.tasks.ActiveRefs(sessionID)
		}
		if s.elicitations != nil {
			n += s.elicitations.ActiveRefs(sessionID)
		}
		return n
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := s.store.SweepExpired(ctx, s.cfg.SessionIdleTTL, refs); err != nil {
				s.logger.Warn(ctx, "session sweep failed", zap.Error(err))
			} else if removed > 0 {
				s.metrics.SweptEntries.WithLabelValues("sessions").Add(float64(removed))
			}
			if s.tasks != nil {
				s.tasks.Sweep(ctx)
			}
			if s.elicitations != nil {
				s.elicitations.Sweep(ctx)
			}
			if count, err := s.store.Count(ctx); err == nil {
				s.metrics.ActiveSessions.Set(float64(count))
			}
		}
	}
}

// errorBody is the non-JSON-RPC error shape.
func errorBody(c echo.Context, status int, code, description string) error {
	return c.JSON(status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func acceptsSSE(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream")
}

func acceptsJSON(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return accept == "" ||
		strings.Contains(accept, "application/json") ||
		strings.Contains(accept, "*/*") ||
		strings.Contains(accept, "text/event-stream")
}

// resolveSession loads the session named by the Mcp-Session-Id header, or
// creates one on first contact, binding the caller's token when present.
func (s *Server) resolveSession(c echo.Context) (*session.Session, error) {
	ctx := c.Request().Context()
	authCtx := auth.ContextAuth(c)

	if id := c.Request().Header.Get(auth.HeaderSessionID); id != "" {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		_ = s.store.Touch(ctx, id)
		return sess, nil
	}

	sess, err := s.store.Create(ctx, session.CreateOptions{Auth: authCtx})
	if err != nil {
		return nil, err
	}
	if authCtx != nil && authCtx.TokenHash != "" {
		if err := s.store.BindToken(ctx, authCtx.TokenHash, sess.ID); err != nil {
			s.logger.Warn(ctx, "token binding failed",
				zap.String("session.id", sess.ID), zap.Error(err))
		}
	}
	s.logger.Debug(ctx, "session created", zap.String("session.id", sess.ID))
	return sess, nil
}

func (s *Server) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := s.flight.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Server) handlePost(c echo.Context) error {
	if !acceptsJSON(c) {
		return errorBody(c, http.StatusNotAcceptable, "not_acceptable",
			"Accept must include application/json or text/event-stream")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errorBody(c, http.StatusBadRequest, "invalid_request", "failed to read request body")
	}

	sess, err := s.resolveSession(c)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return errorBody(c, http.StatusNotFound, "session_not_found", "unknown session")
		}
		return errorBody(c, http.StatusInternalServerError, "internal_error", "session store unavailable")
	}
	c.Response().Header().Set(auth.HeaderSessionID, sess.ID)

	authCtx := auth.ContextAuth(c)
	ctx := c.Request().Context()

	// One request at a time per session keeps event ID allocation and
	// handler side effects ordered.
	lock := s.sessionLock(sess.ID)
	lock.Lock()
	reply := s.dispatcher.DispatchRaw(ctx, sess, authCtx, body)
	lock.Unlock()

	if reply.Stream != nil {
		return s.respondStreamed(c, sess, authCtx, reply)
	}
	if reply.Message == nil {
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusOK, reply.Message)
}

// respondStreamed delivers an incremental tool result. The POST upgrades to
// SSE only when the session has no active stream already; otherwise the
// items ride the session's existing stream and the POST returns 202.
func (s *Server) respondStreamed(c echo.Context, sess *session.Session, authCtx *session.AuthorizationContext, reply *Reply) error {
	ctx := c.Request().Context()

	if !s.cfg.EnableSSE || !acceptsSSE(c) || s.streams.HasActiveStream(sess.ID) {
		go s.pumpToSession(context.Background(), sess.ID, reply)
		return c.NoContent(http.StatusAccepted)
	}

	st, err := s.streams.Attach(ctx, sess.ID, subjectOf(authCtx))
	if err != nil {
		return errorBody(c, http.StatusInternalServerError, "internal_error", "stream attach failed")
	}
	c.Response().Header().Set(HeaderStreamID, st.ID)

	go s.pumpToStream(context.Background(), st, reply)
	return s.serveSSE(c, st, 0)
}

// pumpToStream drains the tool result stream onto one SSE stream, wrapping
// every item in a response envelope with the original request ID.
func (s *Server) pumpToStream(ctx context.Context, st *Stream, reply *Reply) {
	defer s.streams.Detach(ctx, st)
	for {
		item, err := reply.Stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.sendEnvelope(ctx, st, NewErrorf(reply.ID, InternalError, "stream failed: %v", err))
			}
			return
		}
		var msg interface{}
		if typed, ok := item.(*CallToolResult); ok {
			msg = NewResponse(reply.ID, typed)
		} else {
			msg = NewResponse(reply.ID, toolResultOf(item))
		}
		if s.sendEnvelope(ctx, st, msg) != nil {
			return
		}
	}
}

func (s *Server) sendEnvelope(ctx context.Context, st *Stream, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.streams.SendToStream(ctx, st, payload)
}

// pumpToSession drains a tool result stream through the broker onto the
// session's existing stream.
func (s *Server) pumpToSession(ctx context.Context, sessionID string, reply *Reply) {
	for {
		item, err := reply.Stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if payload, merr := json.Marshal(NewErrorf(reply.ID, InternalError, "stream failed: %v", err)); merr == nil {
					_ = s.streams.SendToSession(ctx, sessionID, payload)
				}
			}
			return
		}
		payload, merr := json.Marshal(NewResponse(reply.ID, toolResultOf(item)))
		if merr != nil {
			continue
		}
		if s.streams.SendToSession(ctx, sessionID, payload) != nil {
			return
		}
	}
}

// toolResultOf normalizes a stream item into a call result.
func toolResultOf(item interface{}) *CallToolResult {
	switch typed := item.(type) {
	case *CallToolResult:
		return typed
	case string:
		return toolText(typed)
	default:
		text, err := json.Marshal(typed)
		if err != nil {
			return toolError("stream item not serializable: " + err.Error())
		}
		return &CallToolResult{
			Content:           []Content{TextContent(string(text))},
			StructuredContent: typed,
		}
	}
}

func (s *Server) handleGet(c echo.Context) error {
	if !s.cfg.EnableSSE {
		return errorBody(c, http.StatusMethodNotAllowed, "sse_disabled", "SSE transport is disabled")
	}
	if !acceptsSSE(c) {
		return errorBody(c, http.StatusMethodNotAllowed, "not_acceptable", "Accept must include text/event-stream")
	}

	sess, err := s.resolveSession(c)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return errorBody(c, http.StatusNotFound, "session_not_found", "unknown session")
		}
		return errorBody(c, http.StatusInternalServerError, "internal_error", "session store unavailable")
	}
	c.Response().Header().Set(auth.HeaderSessionID, sess.ID)

	ctx := c.Request().Context()
	userID := subjectOf(auth.ContextAuth(c))

	var lastEventID uint64
	if v := c.Request().Header.Get(HeaderLastEventID); v != "" {
		lastEventID, _ = strconv.ParseUint(v, 10, 64)
	}

	// A resuming client names its stream; otherwise the most recently
	// created record of the session is resumed when a Last-Event-ID is
	// present.
	resumeID := c.Request().Header.Get(HeaderStreamID)
	if resumeID == "" && lastEventID > 0 {
		resumeID = s.newestStreamID(ctx, sess)
	}

	var st *Stream
	if resumeID != "" {
		st, err = s.streams.Reattach(ctx, sess.ID, resumeID, userID)
		if err != nil {
			// Record is gone; fall through to a fresh stream.
			st = nil
		}
	}
	if st == nil {
		st, err = s.streams.Attach(ctx, sess.ID, userID)
		if err != nil {
			return errorBody(c, http.StatusInternalServerError, "internal_error", "stream attach failed")
		}
		lastEventID = 0
	}
	c.Response().Header().Set(HeaderStreamID, st.ID)

	return s.serveSSE(c, st, lastEventID)
}

// newestStreamID picks the most recently created stream record. The IDs in a
// session snapshot are sorted, so the last element says nothing about recency.
func (s *Server) newestStreamID(ctx context.Context, sess *session.Session) string {
	var newest string
	var newestAt time.Time
	for _, id := range sess.StreamIDs {
		rec, err := s.store.GetStream(ctx, sess.ID, id)
		if err != nil {
			continue
		}
		if newest == "" || rec.CreatedAt.After(newestAt) {
			newest = id
			newestAt = rec.CreatedAt
		}
	}
	return newest
}

// serveSSE owns the response from here: replay, then live frames and
// heartbeats until the client goes away or a write fails.
func (s *Server) serveSSE(c echo.Context, st *Stream, lastEventID uint64) error {
	ctx := c.Request().Context()
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	defer s.streams.Detach(context.Background(), st)

	if lastEventID > 0 {
		msgs, err := s.streams.Replay(ctx, st.SessionID, st.ID, lastEventID)
		if err == nil {
			for _, msg := range msgs {
				if s.writeFrame(res, msg.EventID, msg.Data) != nil {
					return nil
				}
			}
		}
	}

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-st.Done():
			return nil
		case f := <-st.Frames():
			if s.writeFrame(res, f.eventID, f.data) != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func (s *Server) writeFrame(res *echo.Response, eventID uint64, data []byte) error {
	if _, err := fmt.Fprintf(res, "id: %d\ndata: %s\n\n", eventID, data); err != nil {
		return err
	}
	res.Flush()
	s.metrics.SSEEvents.Inc()
	return nil
}

// handleDelete ends a session explicitly.
func (s *Server) handleDelete(c echo.Context) error {
	id := c.Request().Header.Get(auth.HeaderSessionID)
	if id == "" {
		return errorBody(c, http.StatusBadRequest, "invalid_request", "Mcp-Session-Id header required")
	}
	if err := s.store.Delete(c.Request().Context(), id); err != nil {
		return errorBody(c, http.StatusInternalServerError, "internal_error", "session delete failed")
	}
	s.flight.Delete(id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleElicitationComplete(c echo.Context) error {
	return s.terminateElicitation(c, true)
}

func (s *Server) handleElicitationCancel(c echo.Context) error {
	return s.terminateElicitation(c, false)
}

func (s *Server) terminateElicitation(c echo.Context, complete bool) error {
	if s.elicitations == nil {
		return errorBody(c, http.StatusNotFound, "not_found", "elicitation is not enabled")
	}
	id := c.Param("id")
	ctx := c.Request().Context()

	var err error
	if complete {
		err = s.elicitations.Complete(ctx, id)
	} else {
		err = s.elicitations.Cancel(ctx, id)
	}
	switch {
	case errors.Is(err, ErrElicitationNotFound):
		return errorBody(c, http.StatusNotFound, "not_found", "unknown elicitation")
	case errors.Is(err, ErrAlreadyCompleted):
		return errorBody(c, http.StatusBadRequest, "already_completed", "elicitation already completed")
	case errors.Is(err, ErrAlreadyCancelled):
		return errorBody(c, http.StatusBadRequest, "already_cancelled", "elicitation already cancelled")
	case err != nil:
		return errorBody(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":       true,
		"elicitationId": id,
	})
}

func (s *Server) handleElicitationStatus(c echo.Context) error {
	if s.elicitations == nil {
		return errorBody(c, http.StatusNotFound, "not_found", "elicitation is not enabled")
	}
	e, err := s.elicitations.Status(c.Param("id"))
	if err != nil {
		return errorBody(c, http.StatusNotFound, "not_found", "unknown elicitation")
	}
	return c.JSON(http.StatusOK, e)
}

func subjectOf(authCtx *session.AuthorizationContext) string {
	if authCtx == nil {
		return ""
	}
	return authCtx.Subject
}
