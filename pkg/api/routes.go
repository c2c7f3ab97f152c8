package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/default-user/mathison/pkg/actions"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/governed"
)

func newGraphID() string { return uuid.NewString() }

// decodeInput re-marshals the CIF-sanitized map[string]any payload into a
// typed request struct. The round trip costs nothing a governed request
// doesn't already pay for at the transport boundary.
func decodeInput(input any, out any) error {
	m, ok := input.(map[string]any)
	if !ok {
		return fmt.Errorf("memory: expected a JSON object payload")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Action IDs the /memory/* HTTP surface dispatches through the governed
// pipeline. Each must be registered in the Action Registry before Boot
// seals it (see RegisterActions) and wrapped into a route here (see
// RegisterRoutes) before any request can reach it — an unregistered or
// unwrapped route fails closed by construction (governed.Registry.get).
const (
	ActionMemoryNodePut      = "memory.node.put"
	ActionMemoryEdgePut      = "memory.edge.put"
	ActionMemoryHyperedgePut = "memory.hyperedge.put"
)

// RegisterActions declares the /memory/* action definitions. Callers pass
// this (composed with any other registerActions callback) into
// runtime.Boot before the registry seals.
func RegisterActions(reg *actions.Registry) {
	reg.Register(contracts.ActionDefinition{
		ID: ActionMemoryNodePut, RiskClass: contracts.ActionRiskMedium, SideEffect: true,
		Description: "create a memory graph node", RequiresGovernance: true,
	})
	reg.Register(contracts.ActionDefinition{
		ID: ActionMemoryEdgePut, RiskClass: contracts.ActionRiskMedium, SideEffect: true,
		Description: "create a memory graph edge", RequiresGovernance: true,
	})
	reg.Register(contracts.ActionDefinition{
		ID: ActionMemoryHyperedgePut, RiskClass: contracts.ActionRiskMedium, SideEffect: true,
		Description: "create a memory graph hyperedge", RequiresGovernance: true,
	})
}

// RegisterRoutes wraps the /memory/* handlers into routeRegistry so the
// Wrapper can dispatch to them. The handler bodies run only after CIF
// ingress and CDI action-decision both pass — the actual graph mutation
// happens here, inside the governed pipeline, never before it.
func RegisterRoutes(routeRegistry *governed.Registry, mem *MemoryGraphStore) {
	routeRegistry.MustWrap(ActionMemoryNodePut, ActionMemoryNodePut, func(ctx context.Context, input any) (any, error) {
		var req NodeWriteRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		id := req.ID
		if id == "" {
			id = newGraphID()
		}
		return mem.PutNode(req, id)
	})
	routeRegistry.MustWrap(ActionMemoryEdgePut, ActionMemoryEdgePut, func(ctx context.Context, input any) (any, error) {
		var req EdgeWriteRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		id := req.ID
		if id == "" {
			id = newGraphID()
		}
		return mem.PutEdge(req, id)
	})
	routeRegistry.MustWrap(ActionMemoryHyperedgePut, ActionMemoryHyperedgePut, func(ctx context.Context, input any) (any, error) {
		var req HyperedgeWriteRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		id := req.ID
		if id == "" {
			id = newGraphID()
		}
		return mem.PutHyperedge(req, id)
	})
}
