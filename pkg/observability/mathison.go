// Package observability provides Mathison-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mathison-specific semantic convention attributes, one family per
// governance-pipeline stage (spec §4.10) plus the job/checkpoint and
// crypto-signing surfaces that sit alongside it.
var (
	// Request identity, shared by every stage's span/event.
	AttrActionID = attribute.Key("mathison.action.id")
	AttrActor    = attribute.Key("mathison.actor")
	AttrRouteID  = attribute.Key("mathison.route.id")

	// Governance-proof stage attributes (CIF ingress/egress, CDI action/output).
	AttrStageName   = attribute.Key("mathison.stage.name")
	AttrStageStatus = attribute.Key("mathison.stage.status")
	AttrReasonCode  = attribute.Key("mathison.stage.reason_code")

	// CDI (Action/Output Decision) attributes.
	AttrCDIAllow     = attribute.Key("mathison.cdi.allow")
	AttrCDILatencyMs = attribute.Key("mathison.cdi.latency_ms")

	// CIF (Ingress/Egress Filter) attributes.
	AttrCIFDirection = attribute.Key("mathison.cif.direction")
	AttrCIFViolation = attribute.Key("mathison.cif.violation")

	// Job Runner / Checkpoint attributes.
	AttrJobID     = attribute.Key("mathison.job.id")
	AttrJobType   = attribute.Key("mathison.job.type")
	AttrJobStatus = attribute.Key("mathison.job.status")

	// Genome/Treaty attributes.
	AttrGenomeID      = attribute.Key("mathison.genome.id")
	AttrGenomeVersion = attribute.Key("mathison.genome.version")

	// Crypto attributes — boot key HMAC signing, artifact Ed25519 signing.
	AttrCryptoAlgorithm = attribute.Key("mathison.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("mathison.crypto.operation")
	AttrCryptoKeyID     = attribute.Key("mathison.crypto.key_id")
)

// RequestAttrs creates the base attribute set every governance stage
// attaches its own attributes alongside.
func RequestAttrs(actionID, actor string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrActionID.String(actionID),
		AttrActor.String(actor),
	}
}

// StageOperation creates attributes for one governance-proof stage
// (CIF ingress, CDI action, handler, CDI output, CIF egress).
func StageOperation(stageName, status, reasonCode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStageName.String(stageName),
		AttrStageStatus.String(status),
		AttrReasonCode.String(reasonCode),
	}
}

// CDIOperation creates attributes for an Action/Output Decision evaluation.
func CDIOperation(actionID string, allow bool, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrActionID.String(actionID),
		AttrCDIAllow.Bool(allow),
		AttrCDILatencyMs.Float64(latencyMs),
	}
}

// CIFOperation creates attributes for an Ingress/Egress Filter pass.
func CIFOperation(direction string, violation bool, reasonCode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCIFDirection.String(direction),
		AttrCIFViolation.Bool(violation),
		AttrReasonCode.String(reasonCode),
	}
}

// JobOperation creates attributes for a Job Runner stage transition.
func JobOperation(jobID, jobType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrJobType.String(jobType),
		AttrJobStatus.String(status),
	}
}

// GenomeOperation creates attributes identifying the loaded Genome.
func GenomeOperation(genomeID, genomeVersion string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGenomeID.String(genomeID),
		AttrGenomeVersion.String(genomeVersion),
	}
}

// CryptoOperation creates attributes for a signing or verification
// operation (boot-key HMAC, Ed25519 artifact signatures).
func CryptoOperation(algorithm, operation, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
		AttrCryptoKeyID.String(keyID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
