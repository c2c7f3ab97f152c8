package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519SignVerifyRoundtrip(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	payload := []byte("genome:v1:content-hash")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	ok, err := signer.Verify(payload, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = signer.Verify([]byte("tampered"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyEd25519StandaloneHelper(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)
	payload := []byte("treaty:v2")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	ok, err := VerifyEd25519(signer.PublicKey(), sig, payload)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHMACSignerRoundtrip(t *testing.T) {
	bootKey := []byte("0123456789abcdef0123456789abcdef")
	signer := NewHMACSigner(bootKey, "boot-abcdef0123456789")
	payload := []byte("cumulative-hash")

	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	ok, err := signer.Verify(payload, sig)
	require.NoError(t, err)
	require.True(t, ok)

	other := NewHMACSigner([]byte("different-key-different-key-0000"), "boot-other")
	ok, err = other.Verify(payload, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyRingActiveKeySelectionIsDeterministic(t *testing.T) {
	ring := NewKeyRing()
	s1, err := NewEd25519Signer("key-0001")
	require.NoError(t, err)
	s2, err := NewEd25519Signer("key-0002")
	require.NoError(t, err)
	ring.AddKey(s1)
	ring.AddKey(s2)

	sig, keyID, err := ring.Sign([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "key-0002", keyID)

	ok, err := ring.VerifyKey("key-0002", []byte("payload"), sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeyRingRevokedKeyFailsClosed(t *testing.T) {
	ring := NewKeyRing()
	s1, err := NewEd25519Signer("key-0001")
	require.NoError(t, err)
	ring.AddKey(s1)
	ring.RevokeKey("key-0001")

	_, err = ring.VerifyKey("key-0001", []byte("payload"), "deadbeef")
	require.Error(t, err)
}
