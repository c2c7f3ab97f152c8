package runtime_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/default-user/mathison/pkg/actions"
	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/config"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/crypto"
	"github.com/default-user/mathison/pkg/runtime"
)

type testBundle struct {
	Manifest contracts.ArtifactManifest `json:"manifest"`
	Content  any                        `json:"content"`
}

func writeArtifact(t *testing.T, dir, name string, signer *crypto.Ed25519Signer, artifactType contracts.ArtifactType, artifactID string, content any) {
	t.Helper()
	canonicalContent, err := canonicalize.JCS(content)
	require.NoError(t, err)

	sig, err := signer.Sign(canonicalContent)
	require.NoError(t, err)

	manifest := contracts.ArtifactManifest{
		ArtifactID:   artifactID,
		ArtifactType: artifactType,
		Version:      "v1",
		CreatedAt:    time.Now().UTC(),
		SignerID:     "signer-1",
		KeyID:        "signer-1",
		Signature: contracts.ArtifactSignature{
			Alg:    contracts.AlgEd25519,
			SigB64: sig,
			KeyID:  "signer-1",
		},
		ContentHash: canonicalize.HashBytes(canonicalContent),
	}

	bundle := testBundle{Manifest: manifest, Content: content}
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
}

func genomeContent() map[string]any {
	return map[string]any{
		"genome_id":  "genome-1",
		"version":    "v1",
		"invariants": []string{"no-secrets-in-logs"},
		"capabilities": []map[string]any{
			{"cap_id": "memory.write", "risk_class": "B", "allow_actions": []string{"memory.write"}, "deny_actions": []string{}},
		},
		"authority": map[string]any{"signers": []string{"signer-1"}, "threshold": 1},
		"parents":   []string{},
	}
}

func validConfig(t *testing.T) (*config.Config, *crypto.Ed25519Signer, string) {
	t.Helper()
	dir := t.TempDir()
	signer, err := crypto.NewEd25519Signer("signer-1")
	require.NoError(t, err)

	writeArtifact(t, dir, "treaty.json", signer, contracts.ArtifactTypeTreaty, "treaty-1", map[string]any{"version": "v1", "authority": "council"})
	writeArtifact(t, dir, "genome.json", signer, contracts.ArtifactTypeGenome, "genome-1", genomeContent())
	writeArtifact(t, dir, "adapter.json", signer, contracts.ArtifactTypeAdapter, "adapter-1", map[string]any{"provider": "none"})

	trustJSON, err := json.Marshal([]contracts.TrustedSigner{
		{KeyID: "signer-1", Alg: contracts.AlgEd25519, PublicKeyB64: signer.PublicKey(), AddedAt: time.Now()},
	})
	require.NoError(t, err)

	cfg := &config.Config{
		StoreBackend:      config.StoreBackendFile,
		StorePath:         dir,
		TreatyPath:        filepath.Join(dir, "treaty.json"),
		GenomePath:        filepath.Join(dir, "genome.json"),
		AdapterConfigPath: filepath.Join(dir, "adapter.json"),
		TrustStoreJSON:    string(trustJSON),
		BeamPassphrase:    "test-passphrase",
		CheckpointPath:    filepath.Join(dir, "checkpoints"),
	}
	return cfg, signer, dir
}

func registerMemoryWrite(reg *actions.Registry) {
	reg.Register(contracts.ActionDefinition{
		ID:         "memory.write",
		RiskClass:  contracts.ActionRiskMedium,
		SideEffect: true,
	})
}

func TestBootWiresAllComponentsWithValidPrerequisites(t *testing.T) {
	cfg, _, _ := validConfig(t)

	rt, err := runtime.Boot(cfg, registerMemoryWrite)
	require.NoError(t, err)
	require.NotNil(t, rt.BootKey)
	require.NotNil(t, rt.Tokens)
	require.NotNil(t, rt.Decision)
	require.NotNil(t, rt.Filter)
	require.NotNil(t, rt.Receipts)
	require.NotNil(t, rt.Wrapper)
	require.NotNil(t, rt.Tools)
	require.NotNil(t, rt.Logs)
	require.NotNil(t, rt.Checkpoints)
	require.NotNil(t, rt.Jobs)
	require.NotNil(t, rt.Beams)
	require.NotNil(t, rt.Genome)
	require.Equal(t, "genome-1", rt.Genome.GenomeID)

	require.NoError(t, rt.Actions.Validate("memory.write"))
	require.Error(t, rt.Actions.Validate("unregistered.action"))
}

func TestBootFailsClosedWhenTreatyMissing(t *testing.T) {
	cfg, _, dir := validConfig(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "treaty.json")))

	_, err := runtime.Boot(cfg, registerMemoryWrite)
	require.Error(t, err)
}

func TestBootFailsClosedOnSQLBackendWithoutOpenedDB(t *testing.T) {
	cfg, _, _ := validConfig(t)
	cfg.StoreBackend = config.StoreBackendSQL
	cfg.DatabaseURL = "postgres://example/db"

	_, err := runtime.Boot(cfg, registerMemoryWrite)
	require.Error(t, err)
}

func TestBootChecksummedCheckpointPathIsUsable(t *testing.T) {
	cfg, _, _ := validConfig(t)

	rt, err := runtime.Boot(cfg, registerMemoryWrite)
	require.NoError(t, err)

	cp, err := rt.Checkpoints.Create("job-1", "demo", map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, contracts.JobPending, cp.Status)
}

func TestBootWithoutRegisterActionsStillSeals(t *testing.T) {
	cfg, _, _ := validConfig(t)

	rt, err := runtime.Boot(cfg, nil)
	require.NoError(t, err)
	require.Error(t, rt.Actions.Validate("memory.write"))
}
