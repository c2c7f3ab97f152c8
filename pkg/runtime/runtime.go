// Package runtime is the process-wide composition root: it constructs
// every governed component once at boot and wires them together, modeled
// on donor `pkg/guardian/guardian.go`'s single-struct-holding-all-services
// shape rather than package-level singletons (spec §9's re-architecture
// note against global mutable state).
package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/default-user/mathison/pkg/actions"
	"github.com/default-user/mathison/pkg/artifacts"
	"github.com/default-user/mathison/pkg/beamstore"
	"github.com/default-user/mathison/pkg/boot"
	"github.com/default-user/mathison/pkg/capability"
	"github.com/default-user/mathison/pkg/cdi"
	"github.com/default-user/mathison/pkg/checkpoint"
	"github.com/default-user/mathison/pkg/cif"
	"github.com/default-user/mathison/pkg/config"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/governed"
	"github.com/default-user/mathison/pkg/jobs"
	"github.com/default-user/mathison/pkg/logsink"
	"github.com/default-user/mathison/pkg/observability"
	"github.com/default-user/mathison/pkg/prereq"
	"github.com/default-user/mathison/pkg/proof"
	"github.com/default-user/mathison/pkg/receipts"
	"github.com/default-user/mathison/pkg/toolgateway"
)

const capabilityTokenGrace = 0

// Runtime holds every governed component constructed once at boot. It is
// passed down to callers rather than exposed through package-level
// singletons.
type Runtime struct {
	Config *config.Config

	BootKey       *boot.Key
	Actions       *actions.Registry
	TrustStore    *artifacts.TrustStore
	Verifier      *artifacts.Verifier
	ArtifactStore artifacts.Store
	Prereq        *prereq.Sequencer
	PrereqResult  prereq.Result

	Tokens      *capability.Service
	Decision    *cdi.Engine
	Filter      *cif.Filter
	Receipts    receipts.Store
	Routes      *governed.Registry
	Wrapper     *governed.Wrapper
	Tools       *toolgateway.Gateway
	Logs        *logsink.Sink
	Checkpoints *checkpoint.Engine
	Jobs        *jobs.Runner
	Beams       *beamstore.Store

	Genome *contracts.Genome

	Observability *observability.Provider
}

// Boot runs the fixed prerequisite sequence, then constructs and wires
// every governed component in the dependency order each needs: Action
// Registry first (nothing can validate an action_id before it's sealed),
// then the crypto/governance primitives, then the stores and engines
// that depend on them, matching the donor Guardian's constructor ->
// setter-injection staging for components with optional dependencies.
func Boot(cfg *config.Config, registerActions func(*actions.Registry)) (*Runtime, error) {
	key, err := boot.NewKey()
	if err != nil {
		return nil, fmt.Errorf("runtime: boot key: %w", err)
	}

	registry := actions.NewRegistry()
	if registerActions != nil {
		registerActions(registry)
	}
	registry.Seal()

	var signers []contracts.TrustedSigner
	if cfg.TrustStoreJSON != "" {
		if err := json.Unmarshal([]byte(cfg.TrustStoreJSON), &signers); err != nil {
			return nil, fmt.Errorf("runtime: decode trust store: %w", err)
		}
	}
	trust := artifacts.NewTrustStore(signers)
	verifier := artifacts.NewVerifier(trust)
	artifactStore, err := artifacts.NewFileStore(cfg.StorePath + "/artifacts")
	if err != nil {
		return nil, fmt.Errorf("runtime: artifact content store: %w", err)
	}
	verifier.SetStore(artifactStore)

	sequencer := prereq.NewSequencer(verifier, prereq.NewFileLoader())
	prereqResult := sequencer.ValidateAll(cfg)
	if !prereqResult.OK {
		return nil, fmt.Errorf("runtime: prerequisite sequence failed: %v", prereqResult.Errors)
	}

	tokens := capability.NewService(key, registry, capabilityTokenGrace)
	decision, err := cdi.NewEngine(registry)
	if err != nil {
		return nil, fmt.Errorf("runtime: cdi engine: %w", err)
	}
	filter := cif.New(cif.DefaultLimits, cif.EgressRedact, 256)

	receiptStore, err := newReceiptStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: receipt store: %w", err)
	}

	routes := governed.NewRegistry()
	genomeID, genomeVer := "", ""
	if prereqResult.Genome != nil {
		genomeID, genomeVer = prereqResult.Genome.GenomeID, prereqResult.Genome.Version
	}
	wrapper := governed.New(routes, tokens, decision, filter, receiptStore, key.BootKeyID, func(requestID string, request any) *proof.Builder {
		return proof.New(key, requestID, request)
	}, genomeID, genomeVer)

	toolGateway := toolgateway.New(registry, tokens, 256)
	logSink := logsink.New(logsink.DefaultLimits, logsink.DefaultPolicy)

	checkpointEngine, err := checkpoint.New(cfg.CheckpointPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: checkpoint engine: %w", err)
	}
	jobRunner := jobs.New(checkpointEngine, receiptStore, key.BootKeyID, genomeID, genomeVer)

	beams := beamstore.New(cfg.BeamPassphrase, beamstore.DefaultBudgets)

	telemetry, err := newObservabilityProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: observability provider: %w", err)
	}
	wrapper.SetObservability(telemetry)

	return &Runtime{
		Config: cfg, BootKey: key, Actions: registry, TrustStore: trust, Verifier: verifier,
		ArtifactStore: artifactStore,
		Prereq:        sequencer, PrereqResult: prereqResult,
		Tokens: tokens, Decision: decision, Filter: filter, Receipts: receiptStore,
		Routes: routes, Wrapper: wrapper, Tools: toolGateway, Logs: logSink,
		Checkpoints: checkpointEngine, Jobs: jobRunner, Beams: beams,
		Genome:        prereqResult.Genome,
		Observability: telemetry,
	}, nil
}

// Shutdown flushes and closes the telemetry provider, if one was wired. It
// is safe to call on a Runtime booted with observability disabled.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.Observability == nil {
		return nil
	}
	return rt.Observability.Shutdown(ctx)
}

// newObservabilityProvider constructs the tracing/metrics provider.
// Disabled by default (MATHISON_OTEL_ENABLED=false) since a
// governed-pipeline boot has no business dialing an OTLP collector unless
// an operator asked for one.
func newObservabilityProvider(cfg *config.Config) (*observability.Provider, error) {
	return observability.New(context.Background(), &observability.Config{
		ServiceName:    "mathison",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     cfg.OTelSampleRate,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.OTelEnabled,
		Insecure:       cfg.OTelInsecure,
	})
}

func newReceiptStore(cfg *config.Config) (receipts.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQL:
		return nil, fmt.Errorf("runtime: SQL receipt store requires an opened *sql.DB; construct via receipts.NewPostgresStore directly")
	default:
		return receipts.NewFileStore(cfg.StorePath + "/receipts.jsonl")
	}
}
