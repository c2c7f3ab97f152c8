// Package boot implements the Boot Key & Session Registry (component C4):
// it mints an ephemeral HMAC signing key at process start, derives its
// public boot_key_id, and records public session metadata in a persistent
// registry — the key material itself is never persisted.
package boot

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/crypto"
)

// Key is the ephemeral per-process boot key: a 256-bit random secret that
// signs capability tokens and governance proofs for the lifetime of one
// process. It rotates on every restart — receipts from a prior boot session
// cannot be cryptographically re-verified (spec §9).
type Key struct {
	bootKeyID string
	raw       []byte
	signer    *crypto.HMACSigner
}

// NewKey generates a fresh 256-bit boot key.
func NewKey() (*Key, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("boot: generate key: %w", err)
	}
	sum := sha256.Sum256(raw)
	id := "boot-" + hex.EncodeToString(sum[:])[:16]
	return &Key{bootKeyID: id, raw: raw, signer: crypto.NewHMACSigner(raw, id)}, nil
}

// HMACKeyBytes exposes the raw key material for components that must embed
// it in a third-party signing envelope (e.g. the Capability Token
// Service's HS256 JWT encoding). The key is still never persisted to disk.
func (k *Key) HMACKeyBytes() []byte { return k.raw }

// BootKeyID returns the public identifier for this boot session.
func (k *Key) BootKeyID() string { return k.bootKeyID }

// Sign computes an HMAC-SHA256 signature over payload using the boot key.
func (k *Key) Sign(payload []byte) (string, error) { return k.signer.Sign(payload) }

// Verify checks a signature produced by this boot key.
func (k *Key) Verify(payload []byte, sigHex string) (bool, error) { return k.signer.Verify(payload, sigHex) }

// Signer exposes the underlying crypto.Signer for components (capability
// tokens, governance proofs) that compose over the generic interface.
func (k *Key) Signer() crypto.Signer { return k.signer }

// SessionRegistry persists public BootSession metadata across restarts. It
// never stores key material.
type SessionRegistry struct {
	mu       sync.Mutex
	path     string
	sessions []contracts.BootSession
}

// NewSessionRegistry loads (or initializes) the registry at path.
func NewSessionRegistry(path string) (*SessionRegistry, error) {
	r := &SessionRegistry{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("boot: read session registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.sessions); err != nil {
		return nil, fmt.Errorf("boot: corrupt session registry: %w", err)
	}
	return r, nil
}

// StartSession records a new session whose parent is the most recently
// ended session, if any, and returns the recorded BootSession.
func (r *SessionRegistry) StartSession(bootKeyID string) (contracts.BootSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var parent string
	if n := len(r.sessions); n > 0 {
		parent = r.sessions[n-1].BootKeyID
	}
	session := contracts.BootSession{
		BootKeyID:       bootKeyID,
		StartedAt:       time.Now().UTC(),
		ParentSessionID: parent,
	}
	session.Checksum = sessionChecksum(session)
	r.sessions = append(r.sessions, session)
	return session, r.persistLocked()
}

// EndSession marks the given session ended and persists the update.
func (r *SessionRegistry) EndSession(bootKeyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sessions {
		if r.sessions[i].BootKeyID == bootKeyID {
			now := time.Now().UTC()
			r.sessions[i].EndedAt = &now
			r.sessions[i].Checksum = sessionChecksum(r.sessions[i])
			return r.persistLocked()
		}
	}
	return fmt.Errorf("boot: unknown session %q", bootKeyID)
}

// RecordReceipt updates session receipt-count bookkeeping as receipts are
// appended, used by the Receipt Store to maintain first/last hash pointers.
func (r *SessionRegistry) RecordReceipt(bootKeyID, receiptHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sessions {
		if r.sessions[i].BootKeyID == bootKeyID {
			if r.sessions[i].FirstReceiptHash == "" {
				r.sessions[i].FirstReceiptHash = receiptHash
			}
			r.sessions[i].LastReceiptHash = receiptHash
			r.sessions[i].ReceiptCount++
			r.sessions[i].Checksum = sessionChecksum(r.sessions[i])
			return r.persistLocked()
		}
	}
	return fmt.Errorf("boot: unknown session %q", bootKeyID)
}

// Current returns the most recently started session, if any.
func (r *SessionRegistry) Current() (contracts.BootSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return contracts.BootSession{}, false
	}
	return r.sessions[len(r.sessions)-1], true
}

func (r *SessionRegistry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("boot: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(r.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("boot: marshal session registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("boot: write session registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

func sessionChecksum(s contracts.BootSession) string {
	s.Checksum = ""
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
