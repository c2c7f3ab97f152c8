// Package logsink implements the Log Sink (component C12): a bounded,
// hash-chained ring buffer for log envelopes with configurable
// drop/block-on-overflow retention, grounded on the same append-and-chain
// discipline as the Receipt Store but trading durability for a bounded
// memory footprint.
package logsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/contracts"
)

// ErrDurableLoggingRequired is returned by Append when the sink is full,
// no envelope is eligible for eviction, and the new envelope's severity
// requires durable delivery rather than being dropped.
var ErrDurableLoggingRequired = errors.New("logsink: DURABLE_LOGGING_REQUIRED")

// Limits bound the sink's ring buffer.
type Limits struct {
	MaxEnvelopes   int
	MaxPendingBytes int
}

// DefaultLimits matches a conservative mobile-safe footprint.
var DefaultLimits = Limits{MaxEnvelopes: 10_000, MaxPendingBytes: 8 << 20}

// Policy governs which severities may be silently dropped under pressure
// and which must block (reject) the append instead.
type Policy struct {
	DropOnOverflow  map[contracts.LogSeverity]bool
	BlockOnOverflow map[contracts.LogSeverity]bool
}

// DefaultPolicy drops DEBUG/INFO/WARN under pressure and requires durable
// delivery for ERROR/CRITICAL.
var DefaultPolicy = Policy{
	DropOnOverflow: map[contracts.LogSeverity]bool{
		contracts.SeverityDebug: true,
		contracts.SeverityInfo:  true,
		contracts.SeverityWarn:  true,
	},
	BlockOnOverflow: map[contracts.LogSeverity]bool{
		contracts.SeverityError:    true,
		contracts.SeverityCritical: true,
	},
}

// Sink is a bounded, hash-chained append-only log buffer.
type Sink struct {
	mu         sync.Mutex
	limits     Limits
	policy     Policy
	envelopes  []contracts.LogEnvelope
	pendingSz  int
	chainHead  string
}

// New constructs a Log Sink with the given limits and retention policy.
func New(limits Limits, policy Policy) *Sink {
	return &Sink{limits: limits, policy: policy, chainHead: "genesis"}
}

// Append assigns an envelope_id, chains it onto the hash chain, applies
// retention if the sink is over its caps, and stores it. It fails closed
// with ErrDurableLoggingRequired if the sink is full, no envelope is
// eligible for drop, and the new envelope's severity requires durable
// delivery.
func (s *Sink) Append(env contracts.LogEnvelope) (contracts.LogEnvelope, error) {
	if env.EnvelopeID == "" {
		env.EnvelopeID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	size, err := envelopeSize(env)
	if err != nil {
		return contracts.LogEnvelope{}, fmt.Errorf("logsink: size envelope: %w", err)
	}
	env.SetSizeBytes(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.overCaps(size) {
		evicted := s.evictOldestDroppable()
		if !evicted {
			if s.policy.BlockOnOverflow[env.Severity] {
				return contracts.LogEnvelope{}, ErrDurableLoggingRequired
			}
			break
		}
	}

	env.ChainPrevHash = s.chainHead
	hash, err := s.computeHash(env)
	if err != nil {
		return contracts.LogEnvelope{}, fmt.Errorf("logsink: compute hash: %w", err)
	}
	env.Hash = hash
	s.chainHead = hash

	s.envelopes = append(s.envelopes, env)
	s.pendingSz += size
	return env, nil
}

// Flush removes and returns up to n of the oldest pending envelopes, for
// upstream transport. Removed envelopes are no longer retained in the
// sink; the hash chain is unaffected since it is keyed by append order,
// not by what remains resident.
func (s *Sink) Flush(n int) []contracts.LogEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || len(s.envelopes) == 0 {
		return nil
	}
	if n > len(s.envelopes) {
		n = len(s.envelopes)
	}

	out := make([]contracts.LogEnvelope, n)
	copy(out, s.envelopes[:n])
	for _, e := range out {
		s.pendingSz -= e.SizeBytes()
	}
	s.envelopes = s.envelopes[n:]
	return out
}

// Pending returns a snapshot of the currently resident envelopes, oldest
// first, without removing them.
func (s *Sink) Pending() []contracts.LogEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.LogEnvelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

// Clear resets the sink and its hash chain. Test-only: production code
// never resets the chain.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = nil
	s.pendingSz = 0
	s.chainHead = "genesis"
}

// VerifyChain recomputes every resident envelope's hash and confirms the
// chain_prev_hash linkage holds across the retained window.
func (s *Sink) VerifyChain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, env := range s.envelopes {
		if i > 0 && env.ChainPrevHash != s.envelopes[i-1].Hash {
			return false
		}
		recomputed, err := s.computeHash(env)
		if err != nil || recomputed != env.Hash {
			return false
		}
	}
	return true
}

func (s *Sink) overCaps(incomingSize int) bool {
	if len(s.envelopes)+1 > s.limits.MaxEnvelopes {
		return true
	}
	if s.limits.MaxPendingBytes > 0 && s.pendingSz+incomingSize > s.limits.MaxPendingBytes {
		return true
	}
	return false
}

// evictOldestDroppable removes the oldest envelope whose severity is
// eligible for drop-on-overflow. It returns false if no resident envelope
// qualifies.
func (s *Sink) evictOldestDroppable() bool {
	for i, env := range s.envelopes {
		if s.policy.DropOnOverflow[env.Severity] {
			s.pendingSz -= env.SizeBytes()
			s.envelopes = append(s.envelopes[:i], s.envelopes[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Sink) computeHash(env contracts.LogEnvelope) (string, error) {
	hashable := struct {
		EnvelopeID    string               `json:"envelope_id"`
		Timestamp     time.Time            `json:"timestamp"`
		NodeID        string               `json:"node_id"`
		SubjectID     string               `json:"subject_id"`
		EventType     string               `json:"event_type"`
		Severity      contracts.LogSeverity `json:"severity"`
		Summary       string               `json:"summary"`
		DetailsRef    string               `json:"details_ref,omitempty"`
		ChainPrevHash string               `json:"chain_prev_hash"`
	}{
		EnvelopeID: env.EnvelopeID, Timestamp: env.Timestamp, NodeID: env.NodeID,
		SubjectID: env.SubjectID, EventType: env.EventType, Severity: env.Severity,
		Summary: env.Summary, DetailsRef: env.DetailsRef, ChainPrevHash: env.ChainPrevHash,
	}
	return canonicalize.CanonicalHash(hashable)
}

func envelopeSize(env contracts.LogEnvelope) (int, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
