// Package policy implements the trust-gated tool executor registry (spec
// §4.4): named handlers with a declared input schema and minimum trust
// level, composed into a single lookup surface.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrelhq/relay/pkg/models"
)

// ToolContext carries the turn-scoped information a handler needs:
// the caller's effective trust, the originating session, and a workspace
// root for filesystem-backed tools.
type ToolContext struct {
	Context       context.Context
	Trust         models.TrustLevel
	SessionKey    models.SessionKey
	WorkspaceRoot string
}

// Handler is one named tool. Schema is a JSON Schema document (or nil for
// no-argument tools) compiled once at Register time.
type Handler struct {
	Name      string
	MinTrust  models.TrustLevel
	Schema    json.RawMessage
	Execute   func(ctx ToolContext, arguments json.RawMessage) (string, error)
	OneLine   string // one-line description used by the prompt builder's Tools block
}

// Registry is a named collection of Handlers, gated by trust and validated
// against each handler's declared schema before dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		schemas:  map[string]*jsonschema.Schema{},
	}
}

// Register compiles h.Schema (if present) and adds the handler, with
// native registration winning on a name collision against a previously
// merged remote-protocol set (see Composite).
func (r *Registry) Register(h Handler) error {
	var compiled *jsonschema.Schema
	if len(h.Schema) > 0 {
		c, err := compileSchema(h.Name, h.Schema)
		if err != nil {
			return fmt.Errorf("policy: compile schema for %q: %w", h.Name, err)
		}
		compiled = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name] = h
	if compiled != nil {
		r.schemas[h.Name] = compiled
	} else {
		delete(r.schemas, h.Name)
	}
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	return jsonschema.CompileString(name+".schema.json", string(schema))
}

// Get returns the handler registered under name, if any.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Visible returns the handlers visible at trust, i.e. {h : h.MinTrust <= trust}.
func (r *Registry) Visible(trust models.TrustLevel) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		if h.MinTrust <= trust {
			out = append(out, h)
		}
	}
	return out
}

// Execute dispatches a tool call, returning a ToolResult content block.
// Trust denial and schema-invalid arguments are returned as error
// ToolResults, never as a Go error — the turn continues either way.
func (r *Registry) Execute(tc ToolContext, toolCallID, name string, arguments json.RawMessage) models.Content {
	h, ok := r.Get(name)
	if !ok {
		return models.ToolResultBlock(toolCallID, fmt.Sprintf("unknown tool %q", name), true)
	}

	if tc.Trust < h.MinTrust {
		return models.ToolResultBlock(toolCallID, fmt.Sprintf("denied: %q requires trust >= %s", name, h.MinTrust), true)
	}

	if schema, ok := r.schemaFor(name); ok {
		var decoded any
		if err := json.Unmarshal(arguments, &decoded); err != nil {
			return models.ToolResultBlock(toolCallID, fmt.Sprintf("invalid arguments: %v", err), true)
		}
		if err := schema.Validate(decoded); err != nil {
			return models.ToolResultBlock(toolCallID, fmt.Sprintf("invalid arguments: %v", err), true)
		}
	}

	output, err := h.Execute(tc, arguments)
	if err != nil {
		detail := "tool failed"
		if tc.Trust >= models.Full {
			detail = fmt.Sprintf("tool failed: %v", err)
		}
		return models.ToolResultBlock(toolCallID, detail, true)
	}
	return models.ToolResultBlock(toolCallID, output, false)
}

func (r *Registry) schemaFor(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}
