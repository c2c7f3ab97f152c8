// Package artifacts implements the Artifact Verifier (component C1): it
// checks a signed configuration artifact's content hash and signature
// against a boot-time trust store before the artifact may be loaded, and a
// content-addressed store used to persist verified artifact bytes.
package artifacts

import (
	"context"
	"fmt"
	"sync"

	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/crypto"
)

// VerifyResult is the outcome of verifying one manifest.
type VerifyResult struct {
	Verified bool
	Errors   []string
	Warnings []string
	// ContentHash is the CAS key the verified bytes were persisted under,
	// set only when Verified is true and a Store is attached.
	ContentHash string
}

// TrustStore is the boot-time, read-only set of trusted signers.
type TrustStore struct {
	signers map[string]contracts.TrustedSigner
}

// NewTrustStore builds an immutable trust store from a list of signers
// loaded at boot (spec §6: MATHISON_TRUST_STORE in production).
func NewTrustStore(signers []contracts.TrustedSigner) *TrustStore {
	m := make(map[string]contracts.TrustedSigner, len(signers))
	for _, s := range signers {
		m[s.KeyID] = s
	}
	return &TrustStore{signers: m}
}

// Get returns the trusted signer for a key ID, or false if untrusted.
func (t *TrustStore) Get(keyID string) (contracts.TrustedSigner, bool) {
	s, ok := t.signers[keyID]
	return s, ok
}

// Verifier checks artifact manifests against the trust store and memoizes
// verified results by artifact ID — spec §4.1.
type Verifier struct {
	trust *TrustStore
	store Store

	mu       sync.RWMutex
	verified map[string]bool
}

// NewVerifier constructs an Artifact Verifier bound to a trust store. It
// persists nothing by itself — SetStore attaches the content-addressed
// store a verified artifact's bytes are written into.
func NewVerifier(trust *TrustStore) *Verifier {
	return &Verifier{trust: trust, verified: make(map[string]bool)}
}

// SetStore attaches the content-addressed blob store Verify persists
// verified artifact bytes into. Nil-safe no-op until called — a Verifier
// built without a store simply skips persistence, matching
// governed.Wrapper's SetObservability shape for an optional dependency
// wired in after construction.
func (v *Verifier) SetStore(store Store) { v.store = store }

// Fetch retrieves previously verified artifact bytes by content hash. It
// fails if no Store was attached via SetStore.
func (v *Verifier) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	if v.store == nil {
		return nil, fmt.Errorf("artifacts: no content-addressed store attached")
	}
	return v.store.Get(ctx, contentHash)
}

// Verify checks, in order: signer present in trust store; algorithm matches
// signer; recomputed SHA-256 of content equals content_hash; signature
// verifies against the signer's public key. Any failure yields
// Verified=false with no partial activation. Verified manifests are
// memoized by ArtifactID.
func (v *Verifier) Verify(manifest contracts.ArtifactManifest, content []byte) VerifyResult {
	if v.isMemoized(manifest.ArtifactID) {
		return VerifyResult{Verified: true}
	}

	var errs []string

	signer, ok := v.trust.Get(manifest.SignerID)
	if !ok {
		return VerifyResult{Verified: false, Errors: []string{fmt.Sprintf("signer %q not present in trust store", manifest.SignerID)}}
	}
	if signer.Alg != manifest.Signature.Alg {
		errs = append(errs, fmt.Sprintf("algorithm mismatch: signer=%s manifest=%s", signer.Alg, manifest.Signature.Alg))
	}

	computedHash := canonicalize.HashBytes(content)
	if "sha256:"+computedHash != manifest.ContentHash && computedHash != manifest.ContentHash {
		errs = append(errs, "content hash mismatch")
	}

	if len(errs) == 0 {
		ok, verifyErr := crypto.VerifyEd25519(signer.PublicKeyB64, manifest.Signature.SigB64, content)
		if verifyErr != nil {
			errs = append(errs, fmt.Sprintf("signature verification error: %v", verifyErr))
		} else if !ok {
			errs = append(errs, "signature invalid")
		}
	}

	if len(errs) > 0 {
		return VerifyResult{Verified: false, Errors: errs}
	}

	v.memoize(manifest.ArtifactID)
	result := VerifyResult{Verified: true}
	if v.store != nil {
		contentHash, storeErr := v.store.Store(context.Background(), content)
		if storeErr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("verified but not persisted to content store: %v", storeErr))
		} else {
			result.ContentHash = contentHash
		}
	}
	return result
}

func (v *Verifier) isMemoized(artifactID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.verified[artifactID]
}

func (v *Verifier) memoize(artifactID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verified[artifactID] = true
}
