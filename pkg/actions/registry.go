// Package actions implements the Action Registry (component C3): a
// process-global, read-only-after-init table of action IDs, risk class,
// and side-effect flag that every token and receipt references.
package actions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/default-user/mathison/pkg/contracts"
)

// ErrUnregisteredAction is returned for any action ID not present at
// Validate time.
type ErrUnregisteredAction struct{ ActionID string }

func (e *ErrUnregisteredAction) Error() string {
	return fmt.Sprintf("UNREGISTERED_ACTION: %q", e.ActionID)
}

// Registry is the static action table. It is populated once during process
// initialization (via Register) and is safe for concurrent read-only use
// thereafter; Register itself is not safe to call concurrently with reads.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]contracts.ActionDefinition
	sealed  bool
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]contracts.ActionDefinition)}
}

// Register adds an action definition. It panics if called after Seal, since
// that would violate the "read-only after init" invariant silently.
func (r *Registry) Register(def contracts.ActionDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("actions: registry is sealed; cannot register " + def.ID)
	}
	r.actions[def.ID] = def
}

// Seal freezes the registry against further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the action definition for id.
func (r *Registry) Get(id string) (contracts.ActionDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.actions[id]
	return def, ok
}

// Validate fails closed with ErrUnregisteredAction if id is not registered.
func (r *Registry) Validate(id string) error {
	if _, ok := r.Get(id); !ok {
		return &ErrUnregisteredAction{ActionID: id}
	}
	return nil
}

// HasSideEffects reports whether the action is marked side-effecting. An
// unregistered action conservatively reports true.
func (r *Registry) HasSideEffects(id string) bool {
	def, ok := r.Get(id)
	if !ok {
		return true
	}
	return def.SideEffect
}

// ListByRisk returns all registered actions of the given risk class, sorted
// by ID for deterministic iteration.
func (r *Registry) ListByRisk(class contracts.ActionRiskClass) []contracts.ActionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []contracts.ActionDefinition
	for _, def := range r.actions {
		if def.RiskClass == class {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
