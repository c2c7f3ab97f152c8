package main

import (
	"context"
	"fmt"

	"github.com/default-user/mathison/pkg/actions"
	"github.com/default-user/mathison/pkg/api"
	"github.com/default-user/mathison/pkg/config"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/jobs"
	"github.com/default-user/mathison/pkg/runtime"
	"github.com/default-user/mathison/pkg/toolgateway"
)

// actionToolInvoke is the action ID every built-in tool call governs under
// — a single generic tool-invocation action, since this module ships no
// vendor adapters of its own (spec §1's Non-goals: "the concrete LLM
// adapter wire format").
const actionToolInvoke = "tool.invoke"

// jobTypeEcho is the one reference job_type this binary ships: a
// single-stage pass-through job that exercises the Job Runner/Checkpoint
// Engine wiring end-to-end. Real deployments register their own job_types
// against the same *jobs.Runner before Boot seals the Action Registry —
// the spec leaves the job_type catalog itself to the deploying
// application.
const jobTypeEcho = "mathison.echo"

// registerActions composes every package's action-registry contribution
// into the single callback runtime.Boot requires. The Action Registry
// seals immediately after this returns — any action ID omitted here is
// permanently unreachable, fail-closed.
func registerActions(reg *actions.Registry) {
	api.RegisterActions(reg)
	reg.Register(contracts.ActionDefinition{
		ID: actionToolInvoke, RiskClass: contracts.ActionRiskMedium, SideEffect: true,
		Description: "invoke a Tool Gateway tool", RequiresGovernance: true,
	})
	reg.Register(contracts.ActionDefinition{
		ID: jobTypeEcho, RiskClass: contracts.ActionRiskLow, SideEffect: false,
		Description: "run the reference echo job_type", RequiresGovernance: true,
	})
}

// bootRuntime runs the full prerequisite + composition sequence and wires
// the non-Boot-owned pieces (the /memory/* routes and the reference job
// type/tool) on top. Every CLI command and the HTTP server share this one
// entrypoint so none of them can observe a differently-wired Runtime.
func bootRuntime(cfg *config.Config) (*runtime.Runtime, error) {
	rt, err := runtime.Boot(cfg, registerActions)
	if err != nil {
		return nil, err
	}

	mem := api.NewMemoryGraphStore()
	api.RegisterRoutes(rt.Routes, mem)

	rt.Jobs.RegisterStages(jobTypeEcho, []jobs.StageDef{
		{
			Name: "echo",
			Fn: func(_ context.Context, inputs map[string]any, _ map[string]contracts.StageOutput) (map[string]any, error) {
				return inputs, nil
			},
		},
	})

	if err := rt.Tools.RegisterTool(toolgateway.NewHTTPFetchTool(actionToolInvoke)); err != nil {
		return nil, fmt.Errorf("mathison: register tool gateway tools: %w", err)
	}

	return rt, nil
}
