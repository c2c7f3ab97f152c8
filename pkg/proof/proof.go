// Package proof implements the Governance Proof Builder (component C6): a
// per-request stateful accumulator of per-stage hashes, signed as one
// cumulative hash with the ephemeral boot key.
package proof

import (
	"fmt"
	"time"

	"github.com/default-user/mathison/pkg/boot"
	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/contracts"
)

// StageName identifies one of the five governance stages.
type StageName string

const (
	StageCIFIngress StageName = "cif_ingress"
	StageCDIAction  StageName = "cdi_action"
	StageHandler    StageName = "handler"
	StageCDIOutput  StageName = "cdi_output"
	StageCIFEgress  StageName = "cif_egress"
)

// Builder accumulates stage hashes for exactly one request and produces a
// signed GovernanceProof.
type Builder struct {
	key       *boot.Key
	requestID string
	request   any
	stages    contracts.StageHashes
	stageSet  map[StageName]bool
}

// New starts accumulating a proof for one request.
func New(key *boot.Key, requestID string, request any) *Builder {
	return &Builder{key: key, requestID: requestID, request: request, stageSet: make(map[StageName]bool)}
}

type stageRecord struct {
	Stage     StageName `json:"stage"`
	Input     any       `json:"input"`
	Output    any       `json:"output"`
	Timestamp time.Time `json:"ts"`
}

// AddStage records the hash of one stage's input/output pair.
func (b *Builder) AddStage(name StageName, input, output any) error {
	hash, err := canonicalize.CanonicalHash(stageRecord{Stage: name, Input: input, Output: output, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("proof: hash stage %s: %w", name, err)
	}
	switch name {
	case StageCIFIngress:
		b.stages.CIFIngress = hash
	case StageCDIAction:
		b.stages.CDIAction = hash
	case StageHandler:
		b.stages.Handler = hash
	case StageCDIOutput:
		b.stages.CDIOutput = hash
	case StageCIFEgress:
		b.stages.CIFEgress = hash
	default:
		return fmt.Errorf("proof: unknown stage %q", name)
	}
	b.stageSet[name] = true
	return nil
}

// Build computes the cumulative hash over recorded stage hashes, signs it
// with the boot key, and returns the completed proof. Builder refuses to
// build an empty proof (no stages recorded).
func (b *Builder) Build(verdict contracts.Verdict) (contracts.GovernanceProof, error) {
	if len(b.stageSet) == 0 {
		return contracts.GovernanceProof{}, fmt.Errorf("proof: refusing to build an empty proof")
	}

	requestHash, err := canonicalize.CanonicalHash(b.request)
	if err != nil {
		return contracts.GovernanceProof{}, fmt.Errorf("proof: hash request: %w", err)
	}

	cumulative, err := canonicalize.CanonicalHash(b.stages)
	if err != nil {
		return contracts.GovernanceProof{}, fmt.Errorf("proof: hash stages: %w", err)
	}

	sig, err := b.key.Sign([]byte(cumulative))
	if err != nil {
		return contracts.GovernanceProof{}, fmt.Errorf("proof: sign: %w", err)
	}

	return contracts.GovernanceProof{
		RequestID:      b.requestID,
		RequestHash:    requestHash,
		StageHashes:    b.stages,
		CumulativeHash: cumulative,
		Signature:      sig,
		BootKeyID:      b.key.BootKeyID(),
		Timestamp:      time.Now().UTC(),
		Verdict:        verdict,
	}, nil
}

// Verify recomputes the cumulative hash, checks the signature, and
// confirms the proof belongs to the current boot session. Proofs from a
// prior session report valid=false with an explicit "different boot
// session" reason — by design (spec §4.6).
func Verify(key *boot.Key, p contracts.GovernanceProof) (valid bool, reason string) {
	if p.BootKeyID != key.BootKeyID() {
		return false, "different boot session"
	}
	if p.StageHashes == (contracts.StageHashes{}) {
		return false, "proof has no recorded stages"
	}
	recomputed, err := canonicalize.CanonicalHash(p.StageHashes)
	if err != nil {
		return false, fmt.Sprintf("hash recomputation failed: %v", err)
	}
	if recomputed != p.CumulativeHash {
		return false, "cumulative hash mismatch"
	}
	ok, err := key.Verify([]byte(p.CumulativeHash), p.Signature)
	if err != nil || !ok {
		return false, "signature invalid"
	}
	return true, ""
}
