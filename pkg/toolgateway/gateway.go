// Package toolgateway implements the Tool Gateway (component C11): the
// single, deny-by-default chokepoint for every tool and vendor adapter
// invocation. No code outside this package may legitimately hold a
// reference to a vendor LLM SDK — a static conformance test enforces that.
package toolgateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/default-user/mathison/pkg/actions"
	"github.com/default-user/mathison/pkg/capability"
)

// Scope is one sub-scope a tool may require.
type Scope string

const (
	ScopeNetwork    Scope = "network"
	ScopeFS         Scope = "fs"
	ScopeModel      Scope = "model"
	ScopeMemory     Scope = "memory"
	ScopeStorage    Scope = "storage"
	ScopeJob        Scope = "job"
	ScopeGovernance Scope = "governance"
)

// Handler is the actual tool logic, invoked only after every gate passes.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ToolDefinition is what RegisterTool binds under a tool name.
type ToolDefinition struct {
	Name            string
	ActionID        string
	RequiredScopes  []Scope
	ParamsSchema    string // JSON Schema source; empty means no schema check
	Handler         Handler
}

// InvocationRecord is one bounded invocation-ring entry.
type InvocationRecord struct {
	Tool   string
	Actor  string
	Result string // "success", "denied:<reason>", or "error"
}

// Gateway is the deny-by-default tool registry and dispatcher.
type Gateway struct {
	registry *actions.Registry
	tokens   *capability.Service

	mu      sync.RWMutex
	tools   map[string]ToolDefinition
	schemas map[string]*jsonschema.Schema
	grantedScopes map[string]map[Scope]bool // actor -> granted scopes

	ringMu   sync.Mutex
	ring     []InvocationRecord
	ringCap  int
}

// New constructs a Tool Gateway bound to the Action Registry and
// Capability Token Service, with a bounded invocation ring of capacity
// ringCapacity.
func New(registry *actions.Registry, tokens *capability.Service, ringCapacity int) *Gateway {
	return &Gateway{
		registry: registry, tokens: tokens,
		tools: make(map[string]ToolDefinition), schemas: make(map[string]*jsonschema.Schema),
		grantedScopes: make(map[string]map[Scope]bool), ringCap: ringCapacity,
	}
}

// GrantScopes records which scopes an actor holds. In production this is
// populated from the genome/treaty at boot; tests set it directly.
func (g *Gateway) GrantScopes(actor string, scopes ...Scope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.grantedScopes[actor]
	if !ok {
		set = make(map[Scope]bool)
		g.grantedScopes[actor] = set
	}
	for _, s := range scopes {
		set[s] = true
	}
}

// RegisterTool binds a tool name to an action ID and handler. It rejects
// duplicate names and unregistered action IDs.
func (g *Gateway) RegisterTool(def ToolDefinition) error {
	if err := g.registry.Validate(def.ActionID); err != nil {
		return fmt.Errorf("toolgateway: register %q: %w", def.Name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tools[def.Name]; exists {
		return fmt.Errorf("toolgateway: tool %q already registered", def.Name)
	}

	if def.ParamsSchema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://mathison.schemas.local/toolgateway/%s.schema.json", def.Name)
		if err := c.AddResource(url, strings.NewReader(def.ParamsSchema)); err != nil {
			return fmt.Errorf("toolgateway: load schema for %q: %w", def.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("toolgateway: compile schema for %q: %w", def.Name, err)
		}
		g.schemas[def.Name] = compiled
	}

	g.tools[def.Name] = def
	return nil
}

// InvokeResult is the outcome of Invoke.
type InvokeResult struct {
	Success      bool
	Data         any
	DeniedReason string
}

// Invoke dispatches a tool call, deny-by-default: an unregistered tool
// name, a token that doesn't match the tool's action_id/actor, or a
// missing required scope all fail closed without running the handler. A
// panic inside the handler is recovered and reported as a denial rather
// than crashing the caller.
func (g *Gateway) Invoke(ctx context.Context, toolName string, args map[string]any, token string, actor string) (result InvokeResult) {
	g.mu.RLock()
	def, ok := g.tools[toolName]
	schema := g.schemas[toolName]
	granted := g.grantedScopes[actor]
	g.mu.RUnlock()

	if !ok {
		g.record(toolName, actor, "denied:TOOL_NOT_REGISTERED")
		return InvokeResult{DeniedReason: "TOOL_NOT_REGISTERED"}
	}

	validation := g.tokens.Validate(token, capability.ValidateParams{
		ExpectedActionID: def.ActionID, ExpectedActor: actor, IncrementUse: true,
	})
	if !validation.Valid {
		g.record(toolName, actor, "denied:TOKEN_INVALID")
		return InvokeResult{DeniedReason: "TOKEN_INVALID"}
	}

	for _, scope := range def.RequiredScopes {
		if !granted[scope] {
			g.record(toolName, actor, "denied:SCOPE_MISSING")
			return InvokeResult{DeniedReason: "SCOPE_MISSING"}
		}
	}

	if schema != nil {
		if args == nil {
			g.record(toolName, actor, "denied:PARAMS_INVALID")
			return InvokeResult{DeniedReason: "PARAMS_INVALID"}
		}
		if err := schema.Validate(args); err != nil {
			g.record(toolName, actor, "denied:PARAMS_INVALID")
			return InvokeResult{DeniedReason: "PARAMS_INVALID"}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			g.record(toolName, actor, "error")
			result = InvokeResult{DeniedReason: fmt.Sprintf("TOOL_PANIC: %v", r)}
		}
	}()

	data, err := def.Handler(ctx, args)
	if err != nil {
		g.record(toolName, actor, "error")
		return InvokeResult{DeniedReason: fmt.Sprintf("TOOL_ERROR: %v", err)}
	}

	g.record(toolName, actor, "success")
	return InvokeResult{Success: true, Data: data}
}

// InvocationLog returns a snapshot of the bounded invocation ring, oldest
// first.
func (g *Gateway) InvocationLog() []InvocationRecord {
	g.ringMu.Lock()
	defer g.ringMu.Unlock()
	out := make([]InvocationRecord, len(g.ring))
	copy(out, g.ring)
	return out
}

func (g *Gateway) record(tool, actor, result string) {
	g.ringMu.Lock()
	defer g.ringMu.Unlock()
	g.ring = append(g.ring, InvocationRecord{Tool: tool, Actor: actor, Result: result})
	if g.ringCap > 0 && len(g.ring) > g.ringCap {
		g.ring = g.ring[len(g.ring)-g.ringCap:]
	}
}
