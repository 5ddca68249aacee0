// Package tools hosts the MCP tool registry and its HTTP surface.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one named, schema-validated operation.
type Tool interface {
	// Name is the stable tool identifier, e.g. "feishu.v1.bitable.search".
	Name() string
	// Description is a one-line human summary.
	Description() string
	// Schema is the JSON schema for the params object.
	Schema() json.RawMessage
	// Call runs the tool with already-validated params.
	Call(ctx context.Context, params json.RawMessage) (any, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Desc     string
	Params   json.RawMessage
	Fn       func(ctx context.Context, params json.RawMessage) (any, error)
}

func (t ToolFunc) Name() string            { return t.ToolName }
func (t ToolFunc) Description() string     { return t.Desc }
func (t ToolFunc) Schema() json.RawMessage { return t.Params }
func (t ToolFunc) Call(ctx context.Context, params json.RawMessage) (any, error) {
	return t.Fn(ctx, params)
}

// Registry holds the registered tools and their compiled schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema up front so malformed schemas
// fail at startup.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	schema := t.Schema()
	if len(schema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", strings.NewReader(string(schema))); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		r.schemas[name] = compiled
	}
	r.tools[name] = t
	return nil
}

// MustRegister registers or panics; used at startup wiring.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ToolInfo is the listing shape exposed by GET /mcp/tools.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolInfo{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks params against the tool's compiled schema.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("params is not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}

// Call validates and dispatches in one step.
func (r *Registry) Call(ctx context.Context, name string, params json.RawMessage) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, &ToolError{Code: CodeNotFound, Message: fmt.Sprintf("tool %s not found", name)}
	}
	if err := r.Validate(name, params); err != nil {
		return nil, &ToolError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return t.Call(ctx, params)
}
