// Package crypto provides the canonicalization, hashing, signing, and
// verification primitives shared by every governance component: Ed25519
// for artifact signatures, HMAC-SHA256 for intra-session proofs and
// capability tokens signed with the ephemeral boot key, and SHA-256 content
// hashing throughout.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer signs opaque byte payloads and exposes its public identity. Every
// governance component signs its own canonical payload shape and calls
// Sign/Verify directly rather than threading type-specific methods through
// this package.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	KeyID() string
}

// Verifier verifies a signature produced by a matching Signer.
type Verifier interface {
	Verify(message []byte, signatureHex string) (bool, error)
	KeyID() string
}

// Ed25519Signer signs artifact manifests (genome, treaty, policy, adapter).
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh Ed25519 keypair under the given key ID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key, e.g. loaded from
// MATHISON_TRUST_STORE provisioning material.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{privKey: priv, pubKey: priv.Public().(ed25519.PublicKey), keyID: keyID}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.pubKey) }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }

func (s *Ed25519Signer) Verify(message []byte, signatureHex string) (bool, error) {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(s.pubKey, message, sig), nil
}

// VerifyEd25519 checks a hex-encoded Ed25519 signature against a hex-encoded
// public key, used by the Artifact Verifier against trust-store entries it
// does not hold a live Signer for.
func VerifyEd25519(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pubKey))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// HMACSigner signs with the ephemeral boot key (HMAC-SHA256). Used for
// capability tokens and governance proofs, which are explicitly
// session-scoped and non-reverifiable across restarts (spec §1 Non-goals).
type HMACSigner struct {
	key   []byte
	keyID string
}

// NewHMACSigner wraps a 256-bit boot key under its derived boot_key_id.
func NewHMACSigner(key []byte, keyID string) *HMACSigner {
	return &HMACSigner{key: key, keyID: keyID}
}

func (s *HMACSigner) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) PublicKey() string { return s.keyID }
func (s *HMACSigner) KeyID() string     { return s.keyID }

func (s *HMACSigner) Verify(message []byte, signatureHex string) (bool, error) {
	expected, err := s.Sign(message)
	if err != nil {
		return false, err
	}
	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(got, want), nil
}
