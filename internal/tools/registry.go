// Package tools holds the tool registry and the concurrent executor that
// runs model-requested tool calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/chatsubmit/internal/llm"
)

// Handler runs a tool with decoded JSON arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a locally registered tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema for the arguments object.
	Parameters json.RawMessage
	Handler    Handler
}

// Registration errors.
var (
	ErrInvalidToolName = errors.New("invalid tool name")
	ErrDuplicateTool   = errors.New("tool already registered")
	ErrNilHandler      = errors.New("tool handler is nil")
)

const emptyObjectSchema = `{"type":"object","properties":{}}`

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry resolves tools by exact name. Tools are validated when they are
// registered.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool. The name must be unique and provider-safe, the
// handler non-nil, and the parameter schema must compile.
func (r *Registry) Register(tool Tool) error {
	if !toolNamePattern.MatchString(tool.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidToolName, tool.Name)
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, tool.Name)
	}
	if len(tool.Parameters) == 0 {
		tool.Parameters = json.RawMessage(emptyObjectSchema)
	}
	schema, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.Parameters))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = &registered{tool: tool, schema: schema}
	return nil
}

// IsRegistered reports whether name is a local tool.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Handler returns the handler registered under name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return entry.tool.Handler, true
}

// Validate checks args against the tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	var doc any = map[string]any{}
	if args != nil {
		doc = args
	}
	if err := entry.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Definitions lists the registered tools sorted by name, ready to send to a
// model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, entry := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        entry.tool.Name,
			Description: entry.tool.Description,
			Parameters:  entry.tool.Parameters,
		})
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
