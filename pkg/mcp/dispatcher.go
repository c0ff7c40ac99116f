package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpd/internal/logging"
	"github.com/fyrsmithlabs/mcpd/internal/metrics"
	"github.com/fyrsmithlabs/mcpd/internal/sanitize"
	"github.com/fyrsmithlabs/mcpd/pkg/schema"
	"github.com/fyrsmithlabs/mcpd/pkg/session"
)

// Protocol versions this server speaks, newest first. An unsupported
// requested version is answered with the newest; the client decides whether
// to proceed.
var supportedProtocolVersions = []string{"2025-03-26", "2024-11-05", "draft"}

// CompletionService serves completion/complete. Optional; without one the
// method reports method-not-found.
type CompletionService interface {
	Complete(ctx context.Context, params *CompleteParams) (*CompleteResult, error)
}

// Reply is the outcome of dispatching one inbound frame.
//
// Message is nil for notifications. Stream is non-nil when a tool handler
// returned an incremental result; the transport then owns delivery, wrapping
// each item in a response envelope carrying ID.
type Reply struct {
	Message interface{}
	Stream  schema.Stream
	ID      interface{}
}

type authContextKey struct{}

// WithAuthContext attaches the caller's authorization context for handlers.
func WithAuthContext(ctx context.Context, auth *session.AuthorizationContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthContextFrom returns the authorization context, or nil.
func AuthContextFrom(ctx context.Context) *session.AuthorizationContext {
	auth, _ := ctx.Value(authContextKey{}).(*session.AuthorizationContext)
	return auth
}

// DispatcherConfig carries the dispatcher's identity and feature switches.
type DispatcherConfig struct {
	ServerName    string
	ServerVersion string
	Instructions  string

	// EnableTasks gates the tasks capability and the tasks/* methods.
	EnableTasks bool

	// Completions, when set, serves completion/complete.
	Completions CompletionService
}

// Dispatcher routes JSON-RPC frames to the registry, task manager, and
// session store. It is transport-agnostic; HTTP and stdio share it.
type Dispatcher struct {
	cfg       DispatcherConfig
	registry  *schema.Registry
	validator *schema.Validator
	store     session.Store
	tasks     *TaskManager
	logger    *logging.Logger
	metrics   *metrics.Metrics

	logLevelMu sync.RWMutex
	logLevel   string

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// NewDispatcher wires a dispatcher. tasks may be nil when EnableTasks is off.
func NewDispatcher(cfg DispatcherConfig, registry *schema.Registry, store session.Store, tasks *TaskManager, logger *logging.Logger, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		validator: schema.NewValidator(),
		store:     store,
		tasks:     tasks,
		logger:    logger,
		metrics:   m,
		logLevel:  "info",
		inflight:  make(map[string]context.CancelFunc),
	}
}

// LogLevel returns the client-requested minimum level for server log
// notifications.
func (d *Dispatcher) LogLevel() string {
	d.logLevelMu.RLock()
	defer d.logLevelMu.RUnlock()
	return d.logLevel
}

// DispatchRaw parses a raw frame (single or batch) and dispatches it.
//
// A batch reply's Message is the array of non-null responses; a batch of
// nothing but notifications yields a nil Message. Streamed tool results are
// only honored for single requests.
func (d *Dispatcher) DispatchRaw(ctx context.Context, sess *session.Session, auth *session.AuthorizationContext, raw []byte) *Reply {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return &Reply{Message: NewError(nil, ParseError, "Parse error")}
	}

	if trimmed[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			return &Reply{Message: NewError(nil, ParseError, "Parse error")}
		}
		if len(frames) == 0 {
			return &Reply{Message: NewError(nil, InvalidRequest, "Invalid Request: empty batch")}
		}
		responses := make([]interface{}, 0, len(frames))
		for _, frame := range frames {
			reply := d.dispatchFrame(ctx, sess, auth, frame, false)
			if reply != nil && reply.Message != nil {
				responses = append(responses, reply.Message)
			}
		}
		if len(responses) == 0 {
			return &Reply{}
		}
		return &Reply{Message: responses}
	}

	return d.dispatchFrame(ctx, sess, auth, trimmed, true)
}

// dispatchFrame handles one frame. allowStream permits streamed tool
// results; batch entries run with it off and fall back to an error.
func (d *Dispatcher) dispatchFrame(ctx context.Context, sess *session.Session, auth *session.AuthorizationContext, raw json.RawMessage, allowStream bool) *Reply {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &Reply{Message: NewError(nil, ParseError, "Parse error")}
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return &Reply{Message: NewError(req.ID, InvalidRequest, "Invalid Request")}
	}

	if req.IsNotification() {
		d.handleNotification(ctx, sess, &req)
		return &Reply{}
	}

	reply := d.Dispatch(ctx, sess, auth, &req)
	if reply.Stream != nil && !allowStream {
		reply = &Reply{Message: NewError(req.ID, InternalError, "streamed responses require a single request")}
	}
	return reply
}

// Dispatch routes one request to its method handler and records metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, auth *session.AuthorizationContext, req *JSONRPCRequest) *Reply {
	start := time.Now()
	ctx = WithAuthContext(ctx, auth)

	// initialize is exempt from cancellation.
	if req.Method != "initialize" && sess != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		key := inflightKey(sess.ID, req.ID)
		d.inflightMu.Lock()
		d.inflight[key] = cancel
		d.inflightMu.Unlock()
		defer func() {
			d.inflightMu.Lock()
			delete(d.inflight, key)
			d.inflightMu.Unlock()
			cancel()
		}()
	}

	var reply *Reply
	switch req.Method {
	case "initialize":
		reply = d.handleInitialize(ctx, req)
	case "ping":
		reply = &Reply{Message: NewResponse(req.ID, map[string]interface{}{}), ID: req.ID}
	case "tools/list":
		reply = d.handleToolsList(ctx, req)
	case "tools/call":
		reply = d.handleToolsCall(ctx, sess, auth, req)
	case "resources/list":
		reply = d.handleResourcesList(ctx, req)
	case "resources/read":
		reply = d.handleResourcesRead(ctx, sess, req)
	case "prompts/list":
		reply = d.handlePromptsList(ctx, req)
	case "prompts/get":
		reply = d.handlePromptsGet(ctx, sess, req)
	case "logging/setLevel":
		reply = d.handleSetLevel(ctx, req)
	case "completion/complete":
		reply = d.handleComplete(ctx, req)
	case "tasks/get":
		reply = d.handleTasksGet(req)
	case "tasks/list":
		reply = d.handleTasksList(auth, req)
	case "tasks/cancel":
		reply = d.handleTasksCancel(ctx, req)
	default:
		reply = &Reply{Message: NewErrorf(req.ID, MethodNotFound, "Method not found: %s", req.Method)}
	}

	outcome := "ok"
	if errMsg, isErr := reply.Message.(*JSONRPCError); isErr && errMsg != nil {
		outcome = "error"
	}
	d.metrics.ObserveRequest(req.Method, outcome, time.Since(start))
	return reply
}

// handleNotification processes a frame with no ID. Responses are never sent;
// unknown methods are logged and dropped.
func (d *Dispatcher) handleNotification(ctx context.Context, sess *session.Session, req *JSONRPCRequest) {
	switch req.Method {
	case "notifications/initialized":
		// Handshake acknowledgment; nothing to do.
	case "notifications/cancelled":
		var params struct {
			RequestID interface{} `json:"requestId"`
			Reason    string      `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID == nil || sess == nil {
			return
		}
		key := inflightKey(sess.ID, params.RequestID)
		d.inflightMu.Lock()
		cancel, ok := d.inflight[key]
		d.inflightMu.Unlock()
		if ok {
			cancel()
			d.logger.Debug(ctx, "request cancelled by client",
				zap.Any("request.id", params.RequestID),
				zap.String("reason", params.Reason))
		}
	default:
		d.logger.Debug(ctx, "unknown notification dropped", zap.String("method", req.Method))
	}
}

func inflightKey(sessionID string, requestID interface{}) string {
	return fmt.Sprintf("%s/%v", sessionID, requestID)
}

func (d *Dispatcher) handleInitialize(ctx context.Context, req *JSONRPCRequest) *Reply {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid initialize params: %v", err)}
		}
	}

	version := supportedProtocolVersions[0]
	for _, v := range supportedProtocolVersions {
		if params.ProtocolVersion == v {
			version = v
			break
		}
	}

	caps := ServerCapabilities{}
	if d.registry != nil {
		caps.Tools = map[string]interface{}{"listChanged": false}
		caps.Resources = map[string]interface{}{}
		caps.Prompts = map[string]interface{}{}
	}
	caps.Logging = map[string]interface{}{}
	if d.cfg.Completions != nil {
		caps.Completions = map[string]interface{}{}
	}
	if d.cfg.EnableTasks {
		caps.Tasks = map[string]interface{}{}
	}

	d.logger.Info(ctx, "client initialized",
		zap.String("client.name", params.ClientInfo.Name),
		zap.String("client.version", params.ClientInfo.Version),
		zap.String("protocol.version", version))

	result := InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      ServerInfo{Name: d.cfg.ServerName, Version: d.cfg.ServerVersion},
		Instructions:    d.cfg.Instructions,
	}
	return &Reply{Message: NewResponse(req.ID, result), ID: req.ID}
}

// cursorParams is the shared paginated-list parameter shape.
type cursorParams struct {
	Cursor string `json:"cursor,omitempty"`
}

func decodeCursor(req *JSONRPCRequest) (string, error) {
	if len(req.Params) == 0 {
		return "", nil
	}
	var p cursorParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return "", err
	}
	return p.Cursor, nil
}

func (d *Dispatcher) handleToolsList(_ context.Context, req *JSONRPCRequest) *Reply {
	cursor, err := decodeCursor(req)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid params: %v", err)}
	}
	tools, next, err := d.registry.ListTools(cursor, 0)
	if err != nil {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid cursor")}
	}
	return &Reply{Message: NewResponse(req.ID, ListToolsResult{Tools: tools, NextCursor: next}), ID: req.ID}
}

func (d *Dispatcher) handleResourcesList(_ context.Context, req *JSONRPCRequest) *Reply {
	cursor, err := decodeCursor(req)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid params: %v", err)}
	}
	resources, next, err := d.registry.ListResources(cursor, 0)
	if err != nil {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid cursor")}
	}
	return &Reply{Message: NewResponse(req.ID, ListResourcesResult{Resources: resources, NextCursor: next}), ID: req.ID}
}

func (d *Dispatcher) handlePromptsList(_ context.Context, req *JSONRPCRequest) *Reply {
	cursor, err := decodeCursor(req)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid params: %v", err)}
	}
	prompts, next, err := d.registry.ListPrompts(cursor, 0)
	if err != nil {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid cursor")}
	}
	return &Reply{Message: NewResponse(req.ID, ListPromptsResult{Prompts: prompts, NextCursor: next}), ID: req.ID}
}

// handleToolsCall runs the full call pipeline: shape check, lookup,
// sanitization, schema validation, optional deferred execution, invocation.
func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *session.Session, auth *session.AuthorizationContext, req *JSONRPCRequest) *Reply {
	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid tools/call params: name is required")}
	}

	def, handler, ok := d.registry.Tool(params.Name)
	if !ok {
		return &Reply{Message: NewErrorf(req.ID, MethodNotFound, "Unknown tool: %s", params.Name)}
	}
	if handler == nil {
		return &Reply{Message: NewResponse(req.ID, toolError(fmt.Sprintf("Tool %s has no registered handler", params.Name))), ID: req.ID}
	}

	if def.Annotations != nil && def.Annotations.DestructiveHint {
		d.logger.Warn(ctx, "destructive tool invoked",
			zap.String("tool.name", params.Name),
			zap.String("session.id", sessionIDOf(sess)))
	}

	args, err := sanitize.Arguments(params.Arguments)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid arguments: %v", err)}
	}

	if def.InputSchema != nil {
		if err := d.validator.Validate(def.InputSchema, args); err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				return &Reply{Message: NewResponse(req.ID, toolError("Invalid tool arguments: "+verr.Error())), ID: req.ID}
			}
			return &Reply{Message: NewErrorf(req.ID, InternalError, "schema validation failed: %v", err)}
		}
	}

	toolReq := &schema.ToolRequest{
		Name:      params.Name,
		Arguments: args,
		SessionID: sessionIDOf(sess),
	}

	if params.Meta != nil && params.Meta.Task != nil {
		if !d.cfg.EnableTasks || d.tasks == nil {
			return &Reply{Message: NewError(req.ID, InvalidParams, "task execution is not enabled")}
		}
		created := d.tasks.Create(sessionIDOf(sess), auth, params.Meta.Task.TTL)
		d.tasks.Run(created.TaskID, func(taskCtx context.Context) (interface{}, error) {
			return d.invokeTool(WithAuthContext(taskCtx, auth), handler, toolReq)
		})
		return &Reply{Message: NewResponse(req.ID, created), ID: req.ID}
	}

	result, err := d.invokeTool(ctx, handler, toolReq)
	if err != nil {
		return &Reply{Message: NewResponse(req.ID, toolError(err.Error())), ID: req.ID}
	}

	switch typed := result.(type) {
	case schema.Stream:
		return &Reply{Stream: typed, ID: req.ID}
	case *CallToolResult:
		return &Reply{Message: NewResponse(req.ID, typed), ID: req.ID}
	case string:
		return &Reply{Message: NewResponse(req.ID, toolText(typed)), ID: req.ID}
	default:
		text, merr := json.Marshal(typed)
		if merr != nil {
			return &Reply{Message: NewResponse(req.ID, toolError("tool result not serializable: "+merr.Error())), ID: req.ID}
		}
		out := &CallToolResult{
			Content:           []Content{TextContent(string(text))},
			StructuredContent: typed,
		}
		return &Reply{Message: NewResponse(req.ID, out), ID: req.ID}
	}
}

// invokeTool calls the handler with panic containment. A panic becomes an
// in-band error so one misbehaving tool cannot take the server down.
func (d *Dispatcher) invokeTool(ctx context.Context, handler schema.ToolHandler, req *schema.ToolRequest) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "tool handler panicked",
				zap.String("tool.name", req.Name),
				zap.Any("panic", r))
			result, err = nil, fmt.Errorf("tool %s panicked: %v", req.Name, r)
		}
	}()
	return handler(ctx, req)
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, sess *session.Session, req *JSONRPCRequest) *Reply {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid resources/read params: uri is required")}
	}

	def, handler, ok := d.registry.Resource(params.URI)
	if !ok || handler == nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "Unknown resource: %s", params.URI)}
	}

	if def.URISchema != nil {
		if err := d.validator.Validate(def.URISchema, params.URI); err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid resource URI: %s", verr.Error())}
			}
			return &Reply{Message: NewErrorf(req.ID, InternalError, "schema validation failed: %v", err)}
		}
	}

	result, err := handler(ctx, &schema.ResourceRequest{URI: params.URI, SessionID: sessionIDOf(sess)})
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InternalError, "resource read failed: %v", err)}
	}

	switch typed := result.(type) {
	case *ReadResourceResult:
		return &Reply{Message: NewResponse(req.ID, typed), ID: req.ID}
	case string:
		out := &ReadResourceResult{Contents: []ResourceContents{{
			URI: params.URI, MimeType: def.MimeType, Text: typed,
		}}}
		return &Reply{Message: NewResponse(req.ID, out), ID: req.ID}
	default:
		text, merr := json.Marshal(typed)
		if merr != nil {
			return &Reply{Message: NewErrorf(req.ID, InternalError, "resource not serializable: %v", merr)}
		}
		out := &ReadResourceResult{Contents: []ResourceContents{{
			URI: params.URI, MimeType: "application/json", Text: string(text),
		}}}
		return &Reply{Message: NewResponse(req.ID, out), ID: req.ID}
	}
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, sess *session.Session, req *JSONRPCRequest) *Reply {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid prompts/get params: name is required")}
	}

	def, handler, ok := d.registry.Prompt(params.Name)
	if !ok || handler == nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "Unknown prompt: %s", params.Name)}
	}

	args, err := sanitize.Arguments(params.Arguments)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid arguments: %v", err)}
	}
	for _, arg := range def.Arguments {
		if arg.Required {
			if _, present := args[arg.Name]; !present {
				return &Reply{Message: NewErrorf(req.ID, InvalidParams, "missing required argument: %s", arg.Name)}
			}
		}
	}
	if def.ArgumentsSchema != nil {
		if err := d.validator.Validate(def.ArgumentsSchema, args); err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid prompt arguments: %s", verr.Error())}
			}
			return &Reply{Message: NewErrorf(req.ID, InternalError, "schema validation failed: %v", err)}
		}
	}

	result, err := handler(ctx, &schema.PromptRequest{Name: params.Name, Arguments: args, SessionID: sessionIDOf(sess)})
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InternalError, "prompt render failed: %v", err)}
	}

	switch typed := result.(type) {
	case *GetPromptResult:
		return &Reply{Message: NewResponse(req.ID, typed), ID: req.ID}
	case string:
		out := &GetPromptResult{
			Description: def.Description,
			Messages:    []PromptMessage{{Role: "user", Content: TextContent(typed)}},
		}
		return &Reply{Message: NewResponse(req.ID, out), ID: req.ID}
	default:
		return &Reply{Message: NewErrorf(req.ID, InternalError, "prompt handler returned unsupported type %T", typed)}
	}
}

func (d *Dispatcher) handleSetLevel(ctx context.Context, req *JSONRPCRequest) *Reply {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || !logLevels[params.Level] {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid logging/setLevel params: unknown level")}
	}
	d.logLevelMu.Lock()
	d.logLevel = params.Level
	d.logLevelMu.Unlock()
	d.logger.Debug(ctx, "client log level set", zap.String("level", params.Level))
	return &Reply{Message: NewResponse(req.ID, map[string]interface{}{}), ID: req.ID}
}

func (d *Dispatcher) handleComplete(ctx context.Context, req *JSONRPCRequest) *Reply {
	if d.cfg.Completions == nil {
		return &Reply{Message: NewError(req.ID, MethodNotFound, "Method not found: completion/complete")}
	}
	var params CompleteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "invalid completion/complete params: %v", err)}
	}
	result, err := d.cfg.Completions.Complete(ctx, &params)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InternalError, "completion failed: %v", err)}
	}
	return &Reply{Message: NewResponse(req.ID, result), ID: req.ID}
}

func (d *Dispatcher) tasksEnabled() bool {
	return d.cfg.EnableTasks && d.tasks != nil
}

func (d *Dispatcher) handleTasksGet(req *JSONRPCRequest) *Reply {
	if !d.tasksEnabled() {
		return &Reply{Message: NewError(req.ID, MethodNotFound, "Method not found: tasks/get")}
	}
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid tasks/get params: taskId is required")}
	}
	info, err := d.tasks.Get(params.TaskID)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "unknown task: %s", params.TaskID)}
	}
	return &Reply{Message: NewResponse(req.ID, info), ID: req.ID}
}

func (d *Dispatcher) handleTasksList(auth *session.AuthorizationContext, req *JSONRPCRequest) *Reply {
	if !d.tasksEnabled() {
		return &Reply{Message: NewError(req.ID, MethodNotFound, "Method not found: tasks/list")}
	}
	return &Reply{Message: NewResponse(req.ID, ListTasksResult{Tasks: d.tasks.List(auth)}), ID: req.ID}
}

func (d *Dispatcher) handleTasksCancel(ctx context.Context, req *JSONRPCRequest) *Reply {
	if !d.tasksEnabled() {
		return &Reply{Message: NewError(req.ID, MethodNotFound, "Method not found: tasks/cancel")}
	}
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return &Reply{Message: NewError(req.ID, InvalidParams, "invalid tasks/cancel params: taskId is required")}
	}
	if err := d.tasks.Cancel(ctx, params.TaskID); err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "cannot cancel task %s: %v", params.TaskID, err)}
	}
	info, err := d.tasks.Get(params.TaskID)
	if err != nil {
		return &Reply{Message: NewErrorf(req.ID, InvalidParams, "unknown task: %s", params.TaskID)}
	}
	return &Reply{Message: NewResponse(req.ID, info), ID: req.ID}
}

func sessionIDOf(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
