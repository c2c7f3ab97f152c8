package artifacts_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/default-user/mathison/pkg/artifacts"
	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/crypto"
)

func signedManifest(t *testing.T, signer *crypto.Ed25519Signer, content []byte) contracts.ArtifactManifest {
	t.Helper()
	sig, err := signer.Sign(content)
	require.NoError(t, err)
	return contracts.ArtifactManifest{
		ArtifactID:   "genome-1",
		ArtifactType: contracts.ArtifactTypeGenome,
		Version:      "v1",
		CreatedAt:    time.Now().UTC(),
		SignerID:     "signer-1",
		KeyID:        "signer-1",
		Signature: contracts.ArtifactSignature{
			Alg:    contracts.AlgEd25519,
			SigB64: sig,
			KeyID:  "signer-1",
		},
		ContentHash: canonicalize.HashBytes(content),
	}
}

func TestVerifierAcceptsValidManifest(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("signer-1")
	require.NoError(t, err)
	trust := artifacts.NewTrustStore([]contracts.TrustedSigner{
		{KeyID: "signer-1", Alg: contracts.AlgEd25519, PublicKeyB64: signer.PublicKey(), AddedAt: time.Now()},
	})
	v := artifacts.NewVerifier(trust)

	content := []byte(`{"invariants":["no-secrets"]}`)
	manifest := signedManifest(t, signer, content)

	result := v.Verify(manifest, content)
	require.True(t, result.Verified)
	require.Empty(t, result.Errors)
}

func TestVerifierRejectsUntrustedSigner(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("signer-1")
	require.NoError(t, err)
	trust := artifacts.NewTrustStore(nil)
	v := artifacts.NewVerifier(trust)

	content := []byte(`{"invariants":[]}`)
	manifest := signedManifest(t, signer, content)

	result := v.Verify(manifest, content)
	require.False(t, result.Verified)
	require.NotEmpty(t, result.Errors)
}

func TestVerifierRejectsTamperedContent(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("signer-1")
	require.NoError(t, err)
	trust := artifacts.NewTrustStore([]contracts.TrustedSigner{
		{KeyID: "signer-1", Alg: contracts.AlgEd25519, PublicKeyB64: signer.PublicKey(), AddedAt: time.Now()},
	})
	v := artifacts.NewVerifier(trust)

	content := []byte(`{"invariants":["a"]}`)
	manifest := signedManifest(t, signer, content)

	result := v.Verify(manifest, []byte(`{"invariants":["a","TAMPERED"]}`))
	require.False(t, result.Verified)
}

func TestVerifierMemoizesByArtifactID(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("signer-1")
	require.NoError(t, err)
	trust := artifacts.NewTrustStore([]contracts.TrustedSigner{
		{KeyID: "signer-1", Alg: contracts.AlgEd25519, PublicKeyB64: signer.PublicKey(), AddedAt: time.Now()},
	})
	v := artifacts.NewVerifier(trust)

	content := []byte(`{"invariants":["a"]}`)
	manifest := signedManifest(t, signer, content)

	first := v.Verify(manifest, content)
	require.True(t, first.Verified)

	// A mangled signature would normally fail verification, but the
	// memoized artifact_id short-circuits re-verification.
	manifest.Signature.SigB64 = "00"
	second := v.Verify(manifest, content)
	require.True(t, second.Verified)
}
