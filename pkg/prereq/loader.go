package prereq

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/contracts"
)

// bundledArtifact is the on-disk shape of a signed artifact file: the
// manifest alongside the content it describes, so the sequencer can
// recompute content_hash without a second round-trip to storage.
type bundledArtifact struct {
	Manifest contracts.ArtifactManifest `json:"manifest"`
	Content  json.RawMessage            `json:"content"`
}

// FileLoader reads bundled artifact files from the local filesystem.
type FileLoader struct{}

// NewFileLoader constructs the default, filesystem-backed Loader.
func NewFileLoader() *FileLoader { return &FileLoader{} }

func (FileLoader) Load(artifactType contracts.ArtifactType, path string) (contracts.ArtifactManifest, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return contracts.ArtifactManifest{}, nil, fmt.Errorf("prereq: read %s: %w", path, err)
	}
	var bundle bundledArtifact
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return contracts.ArtifactManifest{}, nil, fmt.Errorf("prereq: parse %s: %w", path, err)
	}
	if bundle.Manifest.ArtifactType != artifactType {
		return contracts.ArtifactManifest{}, nil, fmt.Errorf("prereq: %s declares artifact_type %q, expected %q", path, bundle.Manifest.ArtifactType, artifactType)
	}

	var content any
	if err := json.Unmarshal(bundle.Content, &content); err != nil {
		return contracts.ArtifactManifest{}, nil, fmt.Errorf("prereq: parse content in %s: %w", path, err)
	}
	contentBytes, err := canonicalize.JCS(content)
	if err != nil {
		return contracts.ArtifactManifest{}, nil, fmt.Errorf("prereq: canonicalize content in %s: %w", path, err)
	}
	return bundle.Manifest, contentBytes, nil
}

func decodeGenome(canonicalContent []byte) (contracts.Genome, error) {
	var g contracts.Genome
	if err := json.Unmarshal(canonicalContent, &g); err != nil {
		return contracts.Genome{}, fmt.Errorf("prereq: decode genome: %w", err)
	}
	return g, nil
}
