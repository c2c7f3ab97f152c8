// Package cdi implements Action Decision (component C9): policy evaluation
// over the genome's capability grants and an optional CEL treaty-narrowing
// expression, in a fixed, fail-closed rule order. Genome capabilities are
// the upper bound of what may ever be allowed; CDI may only narrow, never
// widen, what the genome permits.
package cdi

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/default-user/mathison/pkg/actions"
	"github.com/default-user/mathison/pkg/contracts"
)

// Context carries everything a decision rule needs to evaluate one action.
type Context struct {
	Actor              string
	Genome             *contracts.Genome
	TreatyLoaded       bool
	ConsentStopActive  bool
	IncidentMode       bool
	HasValidToken      bool
	TombstoneProtected bool // op targets a SELF/POLICY/CARE beam or a daily-budget-exceeding tombstone
	ApprovalRef        string
	Extra              map[string]any // exposed to the CEL narrowing expression as `context.extra`
}

// Decision is the outcome of Decide.
type Decision struct {
	Allow             bool
	ReasonCode        string
	TransformedIntent map[string]any
}

const (
	ReasonGovernanceInitFailed = "GOVERNANCE_INIT_FAILED"
	ReasonUnregisteredAction   = "UNREGISTERED_ACTION"
	ReasonConsentStopActive   = "CONSENT_STOP_ACTIVE"
	ReasonDenied              = "CDI_DENIED"
	ReasonTokenRequired       = "TOKEN_REQUIRED"
	ReasonApprovalRequired    = "APPROVAL_REQUIRED"
	ReasonAllowed             = "ALLOWED"
)

// Engine evaluates Decide against the Action Registry and an optional CEL
// narrowing expression per genome capability.
type Engine struct {
	registry *actions.Registry

	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEngine constructs a CEL-backed Action Decision engine bound to the
// process-wide Action Registry.
func NewEngine(registry *actions.Registry) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_id", cel.StringType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cdi: create CEL environment: %w", err)
	}
	return &Engine{registry: registry, env: env, programs: make(map[string]cel.Program)}, nil
}

// Decide evaluates the fixed rule order from spec §4.9. Tie-break: deny
// always wins over allow; a more specific deny rule outranks a general
// allow.
func (e *Engine) Decide(actionID string, ctx Context) Decision {
	if !ctx.TreatyLoaded || ctx.Genome == nil {
		return Decision{ReasonCode: ReasonGovernanceInitFailed}
	}

	def, ok := e.registry.Get(actionID)
	if !ok {
		return Decision{ReasonCode: ReasonUnregisteredAction}
	}

	if ctx.ConsentStopActive {
		return Decision{ReasonCode: ReasonConsentStopActive}
	}

	cap, capOK := findCapability(ctx.Genome, actionID)
	if denyListed(ctx.Genome, actionID) || !capOK {
		return Decision{ReasonCode: ReasonDenied}
	}

	if def.RiskClass == contracts.ActionRiskHigh || def.RiskClass == contracts.ActionRiskCritical {
		if !ctx.HasValidToken {
			return Decision{ReasonCode: ReasonTokenRequired}
		}
	}

	if ctx.TombstoneProtected && ctx.ApprovalRef == "" {
		return Decision{ReasonCode: ReasonApprovalRequired}
	}

	transformed, err := e.narrow(actionID, cap, ctx)
	if err != nil {
		return Decision{ReasonCode: ReasonDenied}
	}

	return Decision{Allow: true, ReasonCode: ReasonAllowed, TransformedIntent: transformed}
}

func findCapability(g *contracts.Genome, actionID string) (contracts.GenomeCapability, bool) {
	for _, cap := range g.Capabilities {
		for _, allowed := range cap.AllowActions {
			if allowed == actionID {
				return cap, true
			}
		}
	}
	return contracts.GenomeCapability{}, false
}

func denyListed(g *contracts.Genome, actionID string) bool {
	for _, cap := range g.Capabilities {
		for _, denied := range cap.DenyActions {
			if denied == actionID {
				return true
			}
		}
	}
	return false
}

// narrow applies the matched capability's own constraints as the
// transformed_intent, and, when the capability carries a NarrowExpr,
// evaluates it as a CEL boolean guard over action_id/context first —
// a false result or a compile/eval error denies the action (spec §4.9
// rule 7: CDI may only narrow, never widen, what the genome permits).
func (e *Engine) narrow(actionID string, cap contracts.GenomeCapability, ctx Context) (map[string]any, error) {
	if cap.NarrowExpr != "" {
		allowed, err := e.evaluate(cap.NarrowExpr, actionID, ctx)
		if err != nil {
			return nil, fmt.Errorf("cdi: narrow expression for cap %q: %w", cap.CapID, err)
		}
		if !allowed {
			return nil, fmt.Errorf("cdi: narrow expression for cap %q evaluated to false", cap.CapID)
		}
	}

	return map[string]any{
		"action_id":  actionID,
		"cap_id":     cap.CapID,
		"risk_class": string(cap.RiskClass),
	}, nil
}

// evaluate compiles (or reuses a cached compilation of) expr and runs it
// against action_id/context, requiring a boolean result.
func (e *Engine) evaluate(expr, actionID string, ctx Context) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"action_id": actionID,
		"context": map[string]any{
			"actor":               ctx.Actor,
			"treaty_loaded":       ctx.TreatyLoaded,
			"consent_stop_active": ctx.ConsentStopActive,
			"incident_mode":       ctx.IncidentMode,
			"has_valid_token":     ctx.HasValidToken,
			"tombstone_protected": ctx.TombstoneProtected,
			"approval_ref":        ctx.ApprovalRef,
			"extra":               ctx.Extra,
		},
	})
	if err != nil {
		return false, fmt.Errorf("cdi: evaluate expression: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cdi: narrow expression did not evaluate to a bool")
	}
	return allowed, nil
}

// DecideOutput re-runs the narrowing checks against a handler's produced
// result, honoring the same fail-closed posture for the output side of the
// governed pipeline (spec §4.10 step 5).
func (e *Engine) DecideOutput(actionID string, ctx Context, result map[string]any) Decision {
	d := e.Decide(actionID, ctx)
	if !d.Allow {
		return d
	}
	d.TransformedIntent = result
	return d
}

// compile builds (or returns the cached) cel.Program for a genome
// capability's NarrowExpr, double-checked-locking the same way the donor's
// CELPolicyEvaluator.evaluateExpr caches compiled programs per expression
// string.
func (e *Engine) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cdi: compile expression: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10_000))
	if err != nil {
		return nil, fmt.Errorf("cdi: build program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}
