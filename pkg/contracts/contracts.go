// Package contracts defines the shared data model for Mathison's governance
// spine: artifacts, tokens, proofs, receipts, sessions, checkpoints, log
// envelopes, and identity fragments. These types cross package boundaries
// and are canonically marshaled for hashing and signing — see pkg/crypto.
package contracts

import "time"

// ArtifactType enumerates the kinds of signed configuration artifacts the
// prerequisite sequencer verifies before boot.
type ArtifactType string

const (
	ArtifactTypeGenome  ArtifactType = "genome"
	ArtifactTypeTreaty  ArtifactType = "treaty"
	ArtifactTypePolicy  ArtifactType = "policy"
	ArtifactTypeAdapter ArtifactType = "adapter"
	ArtifactTypeConfig  ArtifactType = "config"
)

// SignatureAlgorithm enumerates the signing schemes used across the system.
type SignatureAlgorithm string

const (
	AlgEd25519    SignatureAlgorithm = "ed25519"
	AlgHMACSHA256 SignatureAlgorithm = "hmac-sha256"
)

// ArtifactSignature is the signature block attached to an Artifact Manifest.
type ArtifactSignature struct {
	Alg   SignatureAlgorithm `json:"alg"`
	SigB64 string            `json:"sig_b64"`
	KeyID string             `json:"key_id"`
}

// ArtifactManifest describes a signed, content-addressed configuration
// artifact (genome, treaty, policy, adapter config).
type ArtifactManifest struct {
	ArtifactID   string            `json:"artifact_id"`
	ArtifactType ArtifactType      `json:"artifact_type"`
	Version      string            `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	SignerID     string            `json:"signer_id"`
	KeyID        string            `json:"key_id"`
	Signature    ArtifactSignature `json:"signature"`
	ContentHash  string            `json:"content_hash"`
	Compat       []string          `json:"compat,omitempty"`
}

// TrustedSigner is an entry in the boot-time trust store.
type TrustedSigner struct {
	KeyID       string             `json:"key_id"`
	Alg         SignatureAlgorithm `json:"alg"`
	PublicKeyB64 string            `json:"public_key_b64"`
	Description string             `json:"description"`
	AddedAt     time.Time          `json:"added_at"`
}

// RiskClass is the genome capability risk tier.
type RiskClass string

const (
	RiskClassA RiskClass = "A"
	RiskClassB RiskClass = "B"
	RiskClassC RiskClass = "C"
	RiskClassD RiskClass = "D"
)

// GenomeCapability declares one capability grant bounded by a risk class.
type GenomeCapability struct {
	CapID        string    `json:"cap_id"`
	RiskClass    RiskClass `json:"risk_class"`
	AllowActions []string  `json:"allow_actions"`
	DenyActions  []string  `json:"deny_actions"`
	// NarrowExpr is an optional CEL boolean expression further narrowing
	// this capability beyond its allow/deny lists. It is evaluated with
	// `action_id` and `context` (the CDI Context, as a map) bound; a
	// false or erroring result denies the action. Capabilities that
	// never set it skip CEL evaluation entirely.
	NarrowExpr string `json:"narrow_expr,omitempty"`
}

// GenomeAuthority declares the signer threshold required to amend a genome.
type GenomeAuthority struct {
	Signers   []string `json:"signers"`
	Threshold int      `json:"threshold"`
}

// Genome is the signed bundle declaring invariants and capability grants. It
// defines the upper bound of permitted actions; the Action Decision
// component may narrow but never widen it.
type Genome struct {
	GenomeID    string             `json:"genome_id"`
	Version     string             `json:"version"`
	Invariants  []string           `json:"invariants"`
	Capabilities []GenomeCapability `json:"capabilities"`
	Authority   GenomeAuthority    `json:"authority"`
	Parents     []string           `json:"parents,omitempty"`
}

// ActionRiskClass mirrors the Action Registry's coarser risk taxonomy,
// distinct from genome RiskClass which governs capability grants.
type ActionRiskClass string

const (
	ActionRiskLow      ActionRiskClass = "LOW"
	ActionRiskMedium   ActionRiskClass = "MEDIUM"
	ActionRiskHigh     ActionRiskClass = "HIGH"
	ActionRiskCritical ActionRiskClass = "CRITICAL"
)

// ActionDefinition is a registered entry in the Action Registry.
type ActionDefinition struct {
	ID                 string          `json:"id"`
	RiskClass          ActionRiskClass `json:"risk_class"`
	SideEffect         bool            `json:"side_effect"`
	Description        string          `json:"description"`
	RequiresGovernance bool            `json:"requires_governance"`
}

// TokenConstraints narrows what a capability token permits beyond the
// action definition itself (e.g. scope limits stamped by CDI).
type TokenConstraints map[string]any

// CapabilityToken is a short-lived, signed, single-use bearer token scoping
// exactly one action.
type CapabilityToken struct {
	TokenID     string            `json:"token_id"`
	ActionID    string            `json:"action_id"`
	Actor       string            `json:"actor"`
	IssuedAt    time.Time         `json:"issued_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	MaxUses     int               `json:"max_uses"`
	Constraints TokenConstraints  `json:"constraints,omitempty"`
	BootKeyID   string            `json:"boot_key_id"`
	Signature   string            `json:"signature"`
}

// Verdict is the outcome of a governance stage or decision.
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictDeny      Verdict = "deny"
	VerdictUncertain Verdict = "uncertain"
)

// StageHashes holds the per-stage content hashes accumulated while building
// a Governance Proof for one request.
type StageHashes struct {
	CIFIngress string `json:"cif_ingress,omitempty"`
	CDIAction  string `json:"cdi_action,omitempty"`
	Handler    string `json:"handler,omitempty"`
	CDIOutput  string `json:"cdi_output,omitempty"`
	CIFEgress  string `json:"cif_egress,omitempty"`
}

// GovernanceProof is the HMAC-signed cumulative hash over per-stage hashes
// of one request.
type GovernanceProof struct {
	RequestID      string      `json:"request_id"`
	RequestHash    string      `json:"request_hash"`
	StageHashes    StageHashes `json:"stage_hashes"`
	CumulativeHash string      `json:"cumulative_hash"`
	Signature      string      `json:"signature"`
	BootKeyID      string      `json:"boot_key_id"`
	Timestamp      time.Time   `json:"timestamp"`
	Verdict        Verdict     `json:"verdict"`
}

// ReceiptStage names the governance stage a receipt is attributable to, or
// a job-runner/beamstore lifecycle event.
type ReceiptStage string

const (
	StageCIFIngress   ReceiptStage = "CIF_INGRESS"
	StageCDIAction    ReceiptStage = "CDI_ACTION"
	StageHandler      ReceiptStage = "HANDLER"
	StageCDIOutput    ReceiptStage = "CDI_OUTPUT"
	StageCIFEgress    ReceiptStage = "CIF_EGRESS"
	StageSessionStart ReceiptStage = "SESSION_START"
	StageComplete     ReceiptStage = "STAGE_COMPLETE"
	StageTimeout      ReceiptStage = "STAGE_TIMEOUT"
	StageResume       ReceiptStage = "RESUME"
)

// ReceiptDecision is the terminal allow/deny recorded on a receipt.
type ReceiptDecision string

const (
	DecisionAllow ReceiptDecision = "ALLOW"
	DecisionDeny  ReceiptDecision = "DENY"
)

// Receipt is an append-only, hash-chained audit record of one governance
// decision or job stage.
type Receipt struct {
	ReceiptID       string          `json:"receipt_id"`
	JobID           string          `json:"job_id,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Stage           ReceiptStage    `json:"stage"`
	ActionID        string          `json:"action_id"`
	Decision        ReceiptDecision `json:"decision"`
	ReasonCode      string          `json:"reason_code"`
	ContentHash     string          `json:"content_hash"`
	Proof           GovernanceProof `json:"proof"`
	PrevReceiptHash string          `json:"prev_receipt_hash"`
	ThisHash        string          `json:"this_hash"`
	GenomeID        string          `json:"genome_id"`
	GenomeVersion   string          `json:"genome_version"`
	BootKeyID       string          `json:"boot_key_id"`
	SessionIndex    uint64          `json:"session_index"`
}

// BootSession records public metadata for one boot-key lifetime. The key
// material itself is never persisted.
type BootSession struct {
	BootKeyID        string     `json:"boot_key_id"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	ReceiptCount     uint64     `json:"receipt_count"`
	FirstReceiptHash string     `json:"first_receipt_hash,omitempty"`
	LastReceiptHash  string     `json:"last_receipt_hash,omitempty"`
	ParentSessionID  string     `json:"parent_session_id,omitempty"`
	Checksum         string     `json:"checksum"`
}

// JobStatus is the lifecycle state of a checkpointed job.
type JobStatus string

const (
	JobPending           JobStatus = "PENDING"
	JobInProgress        JobStatus = "IN_PROGRESS"
	JobCompleted         JobStatus = "COMPLETED"
	JobFailed            JobStatus = "FAILED"
	JobResumableFailure  JobStatus = "RESUMABLE_FAILURE"
)

// StageOutput is the immutable recorded output of one completed job stage.
type StageOutput struct {
	ContentHash string          `json:"content_hash"`
	Payload     map[string]any  `json:"payload"`
}

// JobCheckpoint is the persistent per-job state the Job Runner resumes from.
type JobCheckpoint struct {
	JobID         string                 `json:"job_id"`
	JobType       string                 `json:"job_type"`
	Status        JobStatus              `json:"status"`
	CurrentStage  string                 `json:"current_stage"`
	Inputs        map[string]any         `json:"inputs"`
	StageOutputs  map[string]StageOutput `json:"stage_outputs"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Error         string                 `json:"error,omitempty"`
	GenomeID      string                 `json:"genome_id"`
	GenomeVersion string                 `json:"genome_version"`
}

// CompletedStages derives the ordered set of completed stage names from
// StageOutputs, resolving the dual-representation ambiguity noted in the
// design notes by treating StageOutputs as the single source of truth.
func (c *JobCheckpoint) CompletedStages(order []string) []string {
	var done []string
	for _, s := range order {
		if _, ok := c.StageOutputs[s]; ok {
			done = append(done, s)
		}
	}
	return done
}

// LogSeverity is the severity tier of a Log Envelope.
type LogSeverity string

const (
	SeverityDebug    LogSeverity = "DEBUG"
	SeverityInfo     LogSeverity = "INFO"
	SeverityWarn     LogSeverity = "WARN"
	SeverityError    LogSeverity = "ERROR"
	SeverityCritical LogSeverity = "CRITICAL"
)

// LogEnvelope is one hash-chained entry in the Log Sink.
type LogEnvelope struct {
	EnvelopeID    string      `json:"envelope_id"`
	Timestamp     time.Time   `json:"timestamp"`
	NodeID        string      `json:"node_id"`
	SubjectID     string      `json:"subject_id"`
	EventType     string      `json:"event_type"`
	Severity      LogSeverity `json:"severity"`
	Summary       string      `json:"summary"`
	DetailsRef    string      `json:"details_ref,omitempty"`
	ChainPrevHash string      `json:"chain_prev_hash"`
	Hash          string      `json:"hash"`
	sizeBytes     int
}

// SizeBytes returns the accounted size of the envelope for retention
// bookkeeping, set once by the Log Sink at append time.
func (e *LogEnvelope) SizeBytes() int { return e.sizeBytes }

// SetSizeBytes is called by the Log Sink immediately after computing the
// envelope's serialized size.
func (e *LogEnvelope) SetSizeBytes(n int) { e.sizeBytes = n }

// BeamKind enumerates identity-fragment kinds.
type BeamKind string

const (
	BeamSelf     BeamKind = "SELF"
	BeamPolicy   BeamKind = "POLICY"
	BeamCare     BeamKind = "CARE"
	BeamRelation BeamKind = "RELATION"
	BeamProject  BeamKind = "PROJECT"
	BeamSkill    BeamKind = "SKILL"
	BeamFact     BeamKind = "FACT"
	BeamNote     BeamKind = "NOTE"
)

// ProtectedBeamKinds require explicit human approval to tombstone.
var ProtectedBeamKinds = map[BeamKind]bool{
	BeamSelf:   true,
	BeamPolicy: true,
	BeamCare:   true,
}

// BeamStatus is the lifecycle state of an identity fragment.
type BeamStatus string

const (
	BeamActive           BeamStatus = "ACTIVE"
	BeamRetired          BeamStatus = "RETIRED"
	BeamPendingTombstone BeamStatus = "PENDING_TOMBSTONE"
	BeamTombstoned       BeamStatus = "TOMBSTONED"
)

// Beam is one identity fragment governed exclusively by the BeamStore.
type Beam struct {
	BeamID    string     `json:"beam_id"`
	Kind      BeamKind   `json:"kind"`
	Title     string     `json:"title"`
	Tags      []string   `json:"tags,omitempty"`
	Body      []byte     `json:"body"` // ciphertext; AES-256-GCM at rest
	Status    BeamStatus `json:"status"`
	Pinned    bool       `json:"pinned"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BeamOp enumerates the lifecycle operations BeamStore accepts via a
// StoreBeamIntent — handlers may never mutate a Beam directly.
type BeamOp string

const (
	BeamOpPut       BeamOp = "PUT"
	BeamOpRetire    BeamOp = "RETIRE"
	BeamOpPin       BeamOp = "PIN"
	BeamOpUnpin     BeamOp = "UNPIN"
	BeamOpTombstone BeamOp = "TOMBSTONE"
	BeamOpPurge     BeamOp = "PURGE"
)

// StoreBeamIntent is the only channel through which a handler may request a
// Beam mutation; the BeamStore governs and applies it.
type StoreBeamIntent struct {
	Op          BeamOp         `json:"op"`
	BeamDelta   Beam           `json:"beam_delta"`
	ReasonCode  string         `json:"reason_code"`
	ApprovalRef string         `json:"approval_ref,omitempty"`
}
