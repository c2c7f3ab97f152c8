// Package beamstore implements the BeamStore (component C15): the sole
// governed store for identity fragments ("beams"). Bodies are encrypted
// at rest with AES-256-GCM, grounded on donor `pkg/credentials/store.go`'s
// encrypt/decrypt helpers, generalized from a fixed passphrase-sized key
// to a PBKDF2-SHA256-derived key per spec §4.15. Lifecycle guards (budget
// ceilings, incident-mode lockdown) are grounded on donor
// `pkg/envelope/gate.go`'s CheckEffect ordered-guard-list pattern.
package beamstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/default-user/mathison/pkg/contracts"
)

// fixedSalt is the non-secret PBKDF2 salt specified by spec §4.15 — fixed,
// not random, since the derived key must be reproducible from the
// passphrase alone across restarts.
var fixedSalt = []byte("mathison-beamstore-v1-salt")

const pbkdf2Iterations = 100_000

// Incident-mode and budget constants per spec §4.15.
const (
	incidentWindow          = 10 * time.Minute
	incidentThreshold       = 50
)

var (
	// ErrReasonCodeRequired is returned by RETIRE/TOMBSTONE without one.
	ErrReasonCodeRequired = errors.New("beamstore: reason_code required")
	// ErrApprovalRequired is returned when a protected-kind or
	// over-budget or incident-mode transition lacks an approval_ref.
	ErrApprovalRequired = errors.New("beamstore: APPROVAL_REQUIRED")
	// ErrHardBudgetExceeded is returned when the daily hard tombstone
	// budget is exceeded; no approval can override this.
	ErrHardBudgetExceeded = errors.New("beamstore: HARD_BUDGET_EXCEEDED")
	// ErrCDIDenied is returned when a PUT is attempted without CDI allow.
	ErrCDIDenied = errors.New("beamstore: CDI_DENIED")
	// ErrInvalidTransition is returned for a lifecycle op not valid from
	// the beam's current status.
	ErrInvalidTransition = errors.New("beamstore: invalid lifecycle transition")
	// ErrNotFound is returned when the targeted beam_id does not exist.
	ErrNotFound = errors.New("beamstore: beam not found")
	// ErrAmnesicReadOnly is returned for any write while the store is in
	// AMNESIC_SAFE_MODE.
	ErrAmnesicReadOnly = errors.New("beamstore: AMNESIC_SAFE_MODE read-only")
)

// Budgets governs the daily tombstone soft/hard limits.
type Budgets struct {
	DailySoft int // above this, TOMBSTONE requires approval_ref
	DailyHard int // above this, TOMBSTONE is denied outright
}

// DefaultBudgets matches a conservative default.
var DefaultBudgets = Budgets{DailySoft: 20, DailyHard: 100}

// GuardContext carries the governance facts a single Apply call needs:
// whether CDI allowed the call, and any human approval reference supplied
// by the caller.
type GuardContext struct {
	CDIAllow    bool
	ApprovalRef string
}

// Store is the governed BeamStore. All mutation goes through Apply;
// nothing outside this package may mutate a Beam directly.
type Store struct {
	mu      sync.Mutex
	encKey  []byte
	budgets Budgets
	clock   func() time.Time

	beams map[string]contracts.Beam

	selfRootID string
	amnesic    bool

	tombstoneEvents  []time.Time
	dailyCount       int
	dailyWindowStart time.Time
	incidentLocked   bool
}

// New derives the AES-256 key from passphrase via PBKDF2-SHA256 (fixed
// salt, 100,000 iterations) and constructs an empty BeamStore.
func New(passphrase string, budgets Budgets) *Store {
	key := pbkdf2.Key([]byte(passphrase), fixedSalt, pbkdf2Iterations, 32, sha256.New)
	return &Store{
		encKey: key, budgets: budgets, clock: time.Now,
		beams: make(map[string]contracts.Beam),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Bootstrap loads SELF_ROOT and compiles the initial SelfFrame. If
// selfRoot is nil or its body fails to decrypt, the store enters
// AMNESIC_SAFE_MODE: read-only, refusing writes, with persona compilation
// producing an explicit "amnesic" marker.
func (s *Store) Bootstrap(selfRoot *contracts.Beam) SelfFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if selfRoot == nil || selfRoot.Kind != contracts.BeamSelf {
		s.amnesic = true
		return SelfFrame{Amnesic: true, Marker: "amnesic"}
	}
	if _, err := s.decrypt(selfRoot.Body); err != nil {
		s.amnesic = true
		return SelfFrame{Amnesic: true, Marker: "amnesic"}
	}

	s.beams[selfRoot.BeamID] = *selfRoot
	s.selfRootID = selfRoot.BeamID
	return s.compileSelfFrameLocked()
}

// IsAmnesic reports whether the store is in AMNESIC_SAFE_MODE.
func (s *Store) IsAmnesic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amnesic
}

// IsIncidentLocked reports whether the rolling tombstone window tripped
// the incident-mode lockdown.
func (s *Store) IsIncidentLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incidentLocked
}

// ClearIncidentMode requires an explicit human approval reference to
// leave INCIDENT_LOCKED.
func (s *Store) ClearIncidentMode(approvalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if approvalRef == "" {
		return ErrApprovalRequired
	}
	s.incidentLocked = false
	s.tombstoneEvents = nil
	return nil
}

// SelfFrame is the deterministic, reproducible compiled persona.
type SelfFrame struct {
	Hash    string
	Amnesic bool
	Marker  string
}

// compileSelfFrameLocked concatenates SELF_ROOT's plaintext body with the
// sorted (by beam_id) plaintext bodies of every pinned ACTIVE beam,
// excluding TOMBSTONED beams, and hashes the result. Must be called with
// s.mu held.
func (s *Store) compileSelfFrameLocked() SelfFrame {
	if s.amnesic {
		return SelfFrame{Amnesic: true, Marker: "amnesic"}
	}

	var ids []string
	for id, b := range s.beams {
		if id == s.selfRootID {
			continue
		}
		if b.Pinned && b.Status == contracts.BeamActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	h := sha256.New()
	if root, ok := s.beams[s.selfRootID]; ok {
		if plain, err := s.decrypt(root.Body); err == nil {
			h.Write(plain)
		}
	}
	for _, id := range ids {
		if plain, err := s.decrypt(s.beams[id].Body); err == nil {
			h.Write([]byte(id))
			h.Write(plain)
		}
	}
	return SelfFrame{Hash: hex.EncodeToString(h.Sum(nil))}
}

// CompileSelfFrame recompiles the current SelfFrame on demand (e.g. after
// a PIN/UNPIN/TOMBSTONE mutation).
func (s *Store) CompileSelfFrame() SelfFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compileSelfFrameLocked()
}

// Apply governs and performs one lifecycle mutation per spec §4.15's
// transition table. It is the only mutation entry point.
func (s *Store) Apply(intent contracts.StoreBeamIntent, guard GuardContext) (contracts.Beam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.amnesic {
		return contracts.Beam{}, ErrAmnesicReadOnly
	}

	switch intent.Op {
	case contracts.BeamOpPut:
		return s.applyPut(intent, guard)
	case contracts.BeamOpRetire:
		return s.applyRetire(intent)
	case contracts.BeamOpPin:
		return s.applyPinUnpin(intent, true)
	case contracts.BeamOpUnpin:
		return s.applyPinUnpin(intent, false)
	case contracts.BeamOpTombstone:
		return s.applyTombstone(intent, guard)
	case contracts.BeamOpPurge:
		return s.applyPurge(intent, guard)
	default:
		return contracts.Beam{}, fmt.Errorf("%w: unknown op %q", ErrInvalidTransition, intent.Op)
	}
}

func (s *Store) applyPut(intent contracts.StoreBeamIntent, guard GuardContext) (contracts.Beam, error) {
	if !guard.CDIAllow {
		return contracts.Beam{}, ErrCDIDenied
	}
	beam := intent.BeamDelta
	if beam.BeamID == "" {
		return contracts.Beam{}, errors.New("beamstore: beam_id required")
	}
	ciphertext, err := s.encrypt(beam.Body)
	if err != nil {
		return contracts.Beam{}, fmt.Errorf("beamstore: encrypt body: %w", err)
	}
	beam.Body = ciphertext
	beam.Status = contracts.BeamActive
	beam.UpdatedAt = s.clock()
	s.beams[beam.BeamID] = beam
	return beam, nil
}

func (s *Store) applyRetire(intent contracts.StoreBeamIntent) (contracts.Beam, error) {
	if intent.ReasonCode == "" {
		return contracts.Beam{}, ErrReasonCodeRequired
	}
	beam, ok := s.beams[intent.BeamDelta.BeamID]
	if !ok {
		return contracts.Beam{}, ErrNotFound
	}
	if beam.Status != contracts.BeamActive {
		return contracts.Beam{}, fmt.Errorf("%w: RETIRE requires ACTIVE, got %s", ErrInvalidTransition, beam.Status)
	}
	beam.Status = contracts.BeamRetired
	beam.UpdatedAt = s.clock()
	s.beams[beam.BeamID] = beam
	return beam, nil
}

func (s *Store) applyPinUnpin(intent contracts.StoreBeamIntent, pin bool) (contracts.Beam, error) {
	beam, ok := s.beams[intent.BeamDelta.BeamID]
	if !ok {
		return contracts.Beam{}, ErrNotFound
	}
	if beam.Status != contracts.BeamActive {
		return contracts.Beam{}, fmt.Errorf("%w: PIN/UNPIN requires ACTIVE, got %s", ErrInvalidTransition, beam.Status)
	}
	beam.Pinned = pin
	beam.UpdatedAt = s.clock()
	s.beams[beam.BeamID] = beam
	return beam, nil
}

func (s *Store) applyTombstone(intent contracts.StoreBeamIntent, guard GuardContext) (contracts.Beam, error) {
	if intent.ReasonCode == "" {
		return contracts.Beam{}, ErrReasonCodeRequired
	}
	beam, ok := s.beams[intent.BeamDelta.BeamID]
	if !ok {
		return contracts.Beam{}, ErrNotFound
	}
	if beam.Status == contracts.BeamTombstoned {
		return contracts.Beam{}, fmt.Errorf("%w: already TOMBSTONED", ErrInvalidTransition)
	}

	if s.incidentLocked && guard.ApprovalRef == "" {
		return contracts.Beam{}, ErrApprovalRequired
	}
	if contracts.ProtectedBeamKinds[beam.Kind] && guard.ApprovalRef == "" {
		return contracts.Beam{}, ErrApprovalRequired
	}

	s.rollDailyWindowLocked()
	if s.budgets.DailyHard > 0 && s.dailyCount >= s.budgets.DailyHard {
		return contracts.Beam{}, ErrHardBudgetExceeded
	}
	if s.budgets.DailySoft > 0 && s.dailyCount >= s.budgets.DailySoft && guard.ApprovalRef == "" {
		return contracts.Beam{}, ErrApprovalRequired
	}

	beam.Status = contracts.BeamTombstoned
	beam.Pinned = false
	beam.UpdatedAt = s.clock()
	s.beams[beam.BeamID] = beam

	s.dailyCount++
	s.recordTombstoneEventLocked()
	return beam, nil
}

func (s *Store) applyPurge(intent contracts.StoreBeamIntent, guard GuardContext) (contracts.Beam, error) {
	if guard.ApprovalRef == "" {
		return contracts.Beam{}, ErrApprovalRequired
	}
	beam, ok := s.beams[intent.BeamDelta.BeamID]
	if !ok {
		return contracts.Beam{}, ErrNotFound
	}
	if beam.Status != contracts.BeamTombstoned {
		return contracts.Beam{}, fmt.Errorf("%w: PURGE requires TOMBSTONED, got %s", ErrInvalidTransition, beam.Status)
	}
	delete(s.beams, beam.BeamID)
	return beam, nil
}

// rollDailyWindowLocked resets the daily tombstone counter when the
// rolling day boundary has elapsed. Must be called with s.mu held.
func (s *Store) rollDailyWindowLocked() {
	now := s.clock()
	if s.dailyWindowStart.IsZero() || now.Sub(s.dailyWindowStart) >= 24*time.Hour {
		s.dailyWindowStart = now
		s.dailyCount = 0
	}
}

// recordTombstoneEventLocked appends to the 10-minute rolling window and
// flips the store to INCIDENT_LOCKED if more than incidentThreshold
// tombstones occurred inside it. Must be called with s.mu held.
func (s *Store) recordTombstoneEventLocked() {
	now := s.clock()
	s.tombstoneEvents = append(s.tombstoneEvents, now)

	cutoff := now.Add(-incidentWindow)
	kept := s.tombstoneEvents[:0]
	for _, t := range s.tombstoneEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.tombstoneEvents = kept

	if len(s.tombstoneEvents) > incidentThreshold {
		s.incidentLocked = true
	}
}

// Get returns a copy of the beam by ID.
func (s *Store) Get(beamID string) (contracts.Beam, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beams[beamID]
	return b, ok
}

// DecryptBody returns the plaintext body of a stored beam.
func (s *Store) DecryptBody(beamID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beams[beamID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.decrypt(b.Body)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("beamstore: ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
