// Package governed implements the governed-handler wrapper (component
// C10): it composes the Capability Token Service, Action Decision, and
// Ingress/Egress Filter around every handler so that no handler is ever
// reachable without passing the full five-stage pipeline. A first-class
// route registry backs the "no unwrapped handler" conformance invariant
// from spec §8 — handlers are registered only through Wrap/MustWrap, never
// mounted directly on a router.
package governed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/capability"
	"github.com/default-user/mathison/pkg/cdi"
	"github.com/default-user/mathison/pkg/cif"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/observability"
	"github.com/default-user/mathison/pkg/proof"
	"github.com/default-user/mathison/pkg/receipts"
)

// HandlerFunc is the sanitized-input/handler-output shape every governed
// route implements. It must not perform side effects outside the Tool
// Gateway or BeamStore.
type HandlerFunc func(ctx context.Context, input any) (any, error)

// Request carries everything Handle needs to run the five-stage pipeline
// for one call.
type Request struct {
	Route             string
	ActionID          string
	Actor             string
	Token             string
	Body              any
	RawSize           int
	Genome            *contracts.Genome
	TreatyLoaded      bool
	ConsentStopActive bool
	TombstoneProtected bool
	ApprovalRef       string
}

// Response is the terminal output of a successful governed call.
type Response struct {
	RequestID string
	Result    any
	Receipt   contracts.Receipt
}

// DenialError is returned for any stage that fails the pipeline. It always
// carries a reason code and the (possibly partial) receipt recorded for the
// denial.
type DenialError struct {
	ReasonCode string
	Receipt    contracts.Receipt
}

func (e *DenialError) Error() string { return fmt.Sprintf("governed: denied: %s", e.ReasonCode) }

// route is one registered (route, action_id) pair plus its handler.
type route struct {
	actionID string
	handler  HandlerFunc
}

// Registry is the process-wide table of governed routes. Routes may only be
// added via MustWrap; there is no API to invoke a HandlerFunc outside of
// Wrapper.Handle, so nothing can bypass the pipeline by construction.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]route
}

// NewRegistry creates an empty governed-route registry.
func NewRegistry() *Registry { return &Registry{routes: make(map[string]route)} }

// MustWrap registers a handler under route/actionID. It panics on a
// duplicate route, mirroring the Action Registry's seal discipline: route
// registration happens once, at init, and is never silently overwritten.
func (r *Registry) MustWrap(routeName, actionID string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[routeName]; exists {
		panic("governed: route already registered: " + routeName)
	}
	r.routes[routeName] = route{actionID: actionID, handler: handler}
}

// Routes returns the registered route names, for the static no-bypass
// conformance test to compare against the router's mounted paths.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	return out
}

func (r *Registry) get(routeName string) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[routeName]
	return rt, ok
}

// Wrapper composes C5 (capability)/C6 (proof)/C7 (receipts)/C8 (cif)/C9
// (cdi) around every call to a registered route.
type Wrapper struct {
	registry   *Registry
	tokens     *capability.Service
	decision   *cdi.Engine
	filter     *cif.Filter
	receipts   receipts.Store
	bootKeyID  func() string
	buildProof func(requestID string, request any) *proof.Builder
	genomeID   string
	genomeVer  string
	telemetry  *observability.Provider
}

// New constructs a Wrapper bound to the governance components it composes.
func New(registry *Registry, tokens *capability.Service, decision *cdi.Engine, filter *cif.Filter, store receipts.Store, bootKeyID func() string, buildProof func(requestID string, request any) *proof.Builder, genomeID, genomeVersion string) *Wrapper {
	return &Wrapper{
		registry: registry, tokens: tokens, decision: decision, filter: filter,
		receipts: store, bootKeyID: bootKeyID, buildProof: buildProof,
		genomeID: genomeID, genomeVer: genomeVersion,
	}
}

// SetObservability attaches a telemetry provider. Handle is a no-op with
// respect to tracing/metrics until this is called — Boot wires it only when
// OTel export is enabled, and a nil *observability.Provider here simply
// means every telemetry call below is skipped (Provider itself is already
// nil-safe, this guard just avoids constructing span/attribute slices on
// the hot path when disabled).
func (w *Wrapper) SetObservability(p *observability.Provider) { w.telemetry = p }

// Handle runs the full governed pipeline for one route per spec §4.10.
func (w *Wrapper) Handle(ctx context.Context, req Request) (resp Response, err error) {
	rt, ok := w.registry.get(req.Route)
	if !ok {
		return Response{}, &DenialError{ReasonCode: "ROUTE_NOT_REGISTERED"}
	}

	if w.telemetry != nil {
		var finish func(error)
		ctx, finish = w.telemetry.TrackOperation(ctx, "governed.handle", observability.RequestAttrs(req.Route, req.Actor)...)
		defer func() { finish(err) }()
	}

	requestID := uuid.NewString()
	builder := w.buildProof(requestID, req.Body)

	ingress := w.filter.Ingress(req.Route, req.Body, req.RawSize)
	_ = builder.AddStage(proof.StageCIFIngress, req.Body, ingress)
	w.traceStage(ctx, "cif.ingress", string(ingress.Status), ingress.ReasonCode)
	if ingress.Status == cif.StatusViolation {
		return Response{}, w.deny(builder, req, "", ingress.ReasonCode)
	}

	validation := w.tokens.Validate(req.Token, capability.ValidateParams{
		ExpectedActionID: rt.actionID, ExpectedActor: req.Actor, IncrementUse: false,
	})
	hasValidToken := validation.Valid

	decision := w.decision.Decide(rt.actionID, cdi.Context{
		Actor: req.Actor, Genome: req.Genome, TreatyLoaded: req.TreatyLoaded,
		ConsentStopActive: req.ConsentStopActive, HasValidToken: hasValidToken,
		TombstoneProtected: req.TombstoneProtected, ApprovalRef: req.ApprovalRef,
	})
	_ = builder.AddStage(proof.StageCDIAction, req.Body, decision)
	w.traceCDI(ctx, rt.actionID, decision.Allow)
	if !decision.Allow {
		return Response{}, w.deny(builder, req, rt.actionID, decision.ReasonCode)
	}

	result, handlerErr := rt.handler(ctx, ingress.Payload)
	_ = builder.AddStage(proof.StageHandler, ingress.Payload, result)
	w.traceStage(ctx, "handler", "OK", "")
	if handlerErr != nil {
		return Response{}, w.deny(builder, req, rt.actionID, "HANDLER_ERROR")
	}

	outDecision := w.decision.DecideOutput(rt.actionID, cdi.Context{
		Actor: req.Actor, Genome: req.Genome, TreatyLoaded: req.TreatyLoaded, HasValidToken: hasValidToken,
	}, asMap(result))
	_ = builder.AddStage(proof.StageCDIOutput, result, outDecision)
	w.traceCDI(ctx, rt.actionID, outDecision.Allow)
	if !outDecision.Allow {
		return Response{}, w.deny(builder, req, rt.actionID, outDecision.ReasonCode)
	}

	egress := w.filter.Egress(result, estimateSize(result))
	_ = builder.AddStage(proof.StageCIFEgress, result, egress)
	w.traceStage(ctx, "cif.egress", string(egress.Status), egress.ReasonCode)
	if egress.Status == cif.StatusViolation {
		return Response{}, w.deny(builder, req, rt.actionID, egress.ReasonCode)
	}

	if hasValidToken {
		w.tokens.Validate(req.Token, capability.ValidateParams{
			ExpectedActionID: rt.actionID, ExpectedActor: req.Actor, IncrementUse: true,
		})
	}

	govProof, proofErr := builder.Build(contracts.VerdictAllow)
	if proofErr != nil {
		return Response{}, &DenialError{ReasonCode: "PROOF_BUILD_FAILED"}
	}
	contentHash, _ := canonicalize.CanonicalHash(egress.Payload)

	receipt := contracts.Receipt{
		ReceiptID:     uuid.NewString(),
		RequestID:     requestID,
		Timestamp:     time.Now().UTC(),
		Stage:         contracts.StageComplete,
		ActionID:      rt.actionID,
		Decision:      contracts.DecisionAllow,
		ReasonCode:    "ALLOWED",
		ContentHash:   contentHash,
		Proof:         govProof,
		GenomeID:      w.genomeID,
		GenomeVersion: w.genomeVer,
		BootKeyID:     w.bootKeyID(),
	}
	stored, appendErr := w.receipts.Append(receipt)
	if appendErr != nil {
		return Response{}, &DenialError{ReasonCode: "RECEIPT_APPEND_FAILED"}
	}

	return Response{RequestID: requestID, Result: egress.Payload, Receipt: stored}, nil
}

// traceStage emits a span event for one governance-proof stage when
// telemetry is attached. A no-op otherwise — callers never branch on
// whether observability is wired.
func (w *Wrapper) traceStage(ctx context.Context, stageName, status, reasonCode string) {
	if w.telemetry == nil {
		return
	}
	observability.AddSpanEvent(ctx, "governed.stage", observability.StageOperation(stageName, status, reasonCode)...)
}

// traceCDI emits a span event for one Action/Output Decision evaluation.
func (w *Wrapper) traceCDI(ctx context.Context, actionID string, allow bool) {
	if w.telemetry == nil {
		return
	}
	observability.AddSpanEvent(ctx, "governed.cdi", observability.CDIOperation(actionID, allow, 0)...)
}

func (w *Wrapper) deny(builder *proof.Builder, req Request, actionID, reasonCode string) error {
	var govProof contracts.GovernanceProof
	if p, err := builder.Build(contracts.VerdictDeny); err == nil {
		govProof = p
	}
	receipt := contracts.Receipt{
		ReceiptID:     uuid.NewString(),
		RequestID:     govProof.RequestID,
		Timestamp:     time.Now().UTC(),
		Stage:         contracts.StageHandler,
		ActionID:      actionID,
		Decision:      contracts.DecisionDeny,
		ReasonCode:    reasonCode,
		Proof:         govProof,
		GenomeID:      w.genomeID,
		GenomeVersion: w.genomeVer,
		BootKeyID:     w.bootKeyID(),
	}
	stored, _ := w.receipts.Append(receipt)
	return &DenialError{ReasonCode: reasonCode, Receipt: stored}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

func estimateSize(v any) int {
	b, err := canonicalize.JCS(v)
	if err != nil {
		return 0
	}
	return len(b)
}
