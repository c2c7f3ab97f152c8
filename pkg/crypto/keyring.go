package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds multiple Signers keyed by KeyID and supports rotation: a
// new key is added, the previous key stays available for verification, and
// is later revoked once no unverified material depends on it.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]Signer)}
}

// AddKey registers a signer under its own KeyID.
func (k *KeyRing) AddKey(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
}

// RevokeKey removes a key from the ring.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

// activeKeyLocked deterministically selects the "latest" key: the
// lexicographically greatest KeyID. Callers mint KeyIDs so that rotation
// order is lexicographic (e.g. a monotonically increasing suffix).
func (k *KeyRing) activeKeyLocked() (Signer, error) {
	if len(k.signers) == 0 {
		return nil, fmt.Errorf("crypto: keyring has no keys")
	}
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return k.signers[ids[len(ids)-1]], nil
}

// Sign signs with the active (most recently added) key and returns the
// signature alongside the KeyID that produced it.
func (k *KeyRing) Sign(data []byte) (sigHex, keyID string, err error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	signer, err := k.activeKeyLocked()
	if err != nil {
		return "", "", err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return "", "", err
	}
	return sig, signer.KeyID(), nil
}

// VerifyKey verifies a signature against a specific, named key. Unknown or
// revoked key IDs fail closed.
func (k *KeyRing) VerifyKey(keyID string, message []byte, signatureHex string) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	signer, ok := k.signers[keyID]
	if !ok {
		return false, fmt.Errorf("crypto: unknown or revoked key %q", keyID)
	}
	v, ok := signer.(Verifier)
	if !ok {
		return false, fmt.Errorf("crypto: key %q does not support verification", keyID)
	}
	return v.Verify(message, signatureHex)
}

// HasKey reports whether keyID is currently present in the ring.
func (k *KeyRing) HasKey(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.signers[keyID]
	return ok
}
