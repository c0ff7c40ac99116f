package schema

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultPageSize is the page size used by list operations when the caller
// does not specify a limit.
const DefaultPageSize = 50

var (
	// ErrFrozen is returned when registering after Freeze.
	ErrFrozen = errors.New("registry is frozen")

	// ErrInvalidCursor is returned for a cursor that cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

type toolEntry struct {
	def     Tool
	handler ToolHandler
}

type resourceEntry struct {
	def     Resource
	handler ResourceHandler
}

type promptEntry struct {
	def     Prompt
	handler PromptHandler
}

// Registry holds tool, resource, and prompt registrations. Registrations are
// process-lifetime-scoped and additive; re-registering a key replaces the
// prior entry. Freeze is called at server ready, after which registration
// fails so handlers cannot mutate the registry while serving requests.
type Registry struct {
	mu        sync.RWMutex
	frozen    bool
	tools     map[string]*toolEntry
	resources map[string]*resourceEntry
	prompts   map[string]*promptEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*toolEntry),
		resources: make(map[string]*resourceEntry),
		prompts:   make(map[string]*promptEntry),
	}
}

// Freeze prevents further registration. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// RegisterTool adds a tool. The handler may be nil; calls to a handlerless
// tool produce an in-band tool error rather than a protocol error.
func (r *Registry) RegisterTool(def Tool, handler ToolHandler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.tools[def.Name] = &toolEntry{def: def, handler: handler}
	return nil
}

// RegisterResource adds a resource keyed by URI.
func (r *Registry) RegisterResource(def Resource, handler ResourceHandler) error {
	if def.URI == "" {
		return fmt.Errorf("resource uri cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.resources[def.URI] = &resourceEntry{def: def, handler: handler}
	return nil
}

// RegisterPrompt adds a prompt.
func (r *Registry) RegisterPrompt(def Prompt, handler PromptHandler) error {
	if def.Name == "" {
		return fmt.Errorf("prompt name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.prompts[def.Name] = &promptEntry{def: def, handler: handler}
	return nil
}

// Tool returns the definition and handler for a tool name.
func (r *Registry) Tool(name string) (Tool, ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Tool{}, nil, false
	}
	return e.def, e.handler, true
}

// Resource returns the definition and handler for a resource URI.
func (r *Registry) Resource(uri string) (Resource, ResourceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resources[uri]
	if !ok {
		return Resource{}, nil, false
	}
	return e.def, e.handler, true
}

// Prompt returns the definition and handler for a prompt name.
func (r *Registry) Prompt(name string) (Prompt, PromptHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.prompts[name]
	if !ok {
		return Prompt{}, nil, false
	}
	return e.def, e.handler, true
}

// ListTools returns one page of tool definitions in name order, plus the
// cursor for the next page ("" when exhausted).
func (r *Registry) ListTools(cursor string, limit int) ([]Tool, string, error) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.tools))
	for k := range r.tools {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	page, next, err := paginate(keys, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(page))
	for _, k := range page {
		if e, ok := r.tools[k]; ok {
			out = append(out, e.def)
		}
	}
	return out, next, nil
}

// ListResources returns one page of resource definitions in URI order.
func (r *Registry) ListResources(cursor string, limit int) ([]Resource, string, error) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.resources))
	for k := range r.resources {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	page, next, err := paginate(keys, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Resource, 0, len(page))
	for _, k := range page {
		if e, ok := r.resources[k]; ok {
			out = append(out, e.def)
		}
	}
	return out, next, nil
}

// ListPrompts returns one page of prompt definitions in name order.
func (r *Registry) ListPrompts(cursor string, limit int) ([]Prompt, string, error) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.prompts))
	for k := range r.prompts {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	page, next, err := paginate(keys, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Prompt, 0, len(page))
	for _, k := range page {
		if e, ok := r.prompts[k]; ok {
			out = append(out, e.def)
		}
	}
	return out, next, nil
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// paginate sorts keys and returns the page strictly after the cursor key.
// The cursor is the base64url-encoded last key of the previous page.
func paginate(keys []string, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	sort.Strings(keys)

	start := 0
	if cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		last := string(decoded)
		start = sort.SearchStrings(keys, last)
		if start < len(keys) && keys[start] == last {
			start++
		}
	}

	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}
	page := keys[start:end]

	next := ""
	if end < len(keys) && len(page) > 0 {
		next = base64.RawURLEncoding.EncodeToString([]byte(page[len(page)-1]))
	}
	return page, next, nil
}
