// Package prereq implements the Prerequisite Sequencer (component C2): a
// single deterministic entry point that validates every signed artifact the
// process needs before any handler becomes reachable. Any failure keeps the
// server from binding its listener — fail-closed at boot.
package prereq

import (
	"fmt"
	"os"

	"github.com/default-user/mathison/pkg/artifacts"
	"github.com/default-user/mathison/pkg/config"
	"github.com/default-user/mathison/pkg/contracts"
)

// CheckError is a single structured prerequisite failure.
type CheckError struct {
	Code    string
	Message string
}

func (e CheckError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Result is the outcome of ValidateAll.
type Result struct {
	OK       bool
	Errors   []CheckError
	Warnings []string

	Genome  *contracts.Genome
	Treaty  *contracts.ArtifactManifest
	Adapter *contracts.ArtifactManifest
}

// Loader reads an artifact manifest plus its raw content bytes from wherever
// the artifact lives on disk (or an in-memory fixture in tests).
type Loader interface {
	Load(artifactType contracts.ArtifactType, path string) (contracts.ArtifactManifest, []byte, error)
}

// Sequencer runs the fixed-order boot validation: config → treaty → genome →
// adapter.
type Sequencer struct {
	verifier *artifacts.Verifier
	loader   Loader
}

// NewSequencer constructs a Prerequisite Sequencer bound to an Artifact
// Verifier and a manifest loader.
func NewSequencer(verifier *artifacts.Verifier, loader Loader) *Sequencer {
	return &Sequencer{verifier: verifier, loader: loader}
}

// ValidateAll executes the fixed-order check sequence. All errors are
// collected across every stage — a failure in an earlier stage does not
// short-circuit the later ones, so a single run surfaces everything wrong at
// once. OK is true only when zero errors were collected.
func (s *Sequencer) ValidateAll(cfg *config.Config) Result {
	var r Result

	s.checkConfig(cfg, &r)
	s.checkTreaty(cfg, &r)
	s.checkGenome(cfg, &r)
	s.checkAdapter(cfg, &r)

	r.OK = len(r.Errors) == 0
	return r
}

func (s *Sequencer) checkConfig(cfg *config.Config, r *Result) {
	if cfg == nil {
		r.Errors = append(r.Errors, CheckError{Code: "PREREQ_CONFIG_MISSING", Message: "no configuration loaded"})
		return
	}
	if cfg.StorePath == "" {
		r.Errors = append(r.Errors, CheckError{Code: "PREREQ_CONFIG_INVALID", Message: "store path is empty"})
	}
	if cfg.StoreBackend != config.StoreBackendFile && cfg.StoreBackend != config.StoreBackendSQL {
		r.Errors = append(r.Errors, CheckError{Code: "PREREQ_CONFIG_INVALID", Message: fmt.Sprintf("unknown store backend %q", cfg.StoreBackend)})
	}
	if cfg.StoreBackend == config.StoreBackendSQL && cfg.DatabaseURL == "" {
		r.Errors = append(r.Errors, CheckError{Code: "PREREQ_CONFIG_INVALID", Message: "SQL store backend selected but MATHISON_DATABASE_URL is unset"})
	}
}

func (s *Sequencer) checkTreaty(cfg *config.Config, r *Result) {
	path := cfg.TreatyPath
	if _, err := os.Stat(path); err != nil {
		r.Errors = append(r.Errors, CheckError{Code: "PREREQ_TREATY_MISSING", Message: fmt.Sprintf("treaty not found at %q", path)})
		return
	}
	manifest, content, err := s.loadAndVerify(contracts.ArtifactTypeTreaty, path, "PREREQ_TREATY", r)
	if err != nil {
		return
	}
	_ = content
	r.Treaty = &manifest
}

func (s *Sequencer) checkGenome(cfg *config.Config, r *Result) {
	path := cfg.GenomePath
	if _, err := os.Stat(path); err != nil {
		r.Errors = append(r.Errors, CheckError{Code: "PREREQ_GENOME_MISSING", Message: fmt.Sprintf("genome not found at %q", path)})
		return
	}
	manifest, content, err := s.loadAndVerify(contracts.ArtifactTypeGenome, path, "PREREQ_GENOME", r)
	if err != nil {
		return
	}
	genome, err := decodeGenome(content)
	if err != nil {
		r.Errors = append(r.Errors, CheckError{Code: "PREREQ_GENOME_MALFORMED", Message: err.Error()})
		return
	}
	if len(genome.Capabilities) == 0 {
		r.Warnings = append(r.Warnings, "genome declares no capabilities — every action will be denied")
	}
	r.Genome = &genome
	_ = manifest
}

func (s *Sequencer) checkAdapter(cfg *config.Config, r *Result) {
	path := cfg.AdapterConfigPath
	if _, err := os.Stat(path); err != nil {
		// Adapter config is optional in kernel mode (no LLM adapter wired);
		// its absence is a warning, not a fatal prerequisite.
		r.Warnings = append(r.Warnings, fmt.Sprintf("adapter config not found at %q; running without an adapter", path))
		return
	}
	manifest, _, err := s.loadAndVerify(contracts.ArtifactTypeAdapter, path, "PREREQ_ADAPTER", r)
	if err != nil {
		return
	}
	r.Adapter = &manifest
}

func (s *Sequencer) loadAndVerify(artifactType contracts.ArtifactType, path, codePrefix string, r *Result) (contracts.ArtifactManifest, []byte, error) {
	manifest, content, err := s.loader.Load(artifactType, path)
	if err != nil {
		e := CheckError{Code: codePrefix + "_UNREADABLE", Message: err.Error()}
		r.Errors = append(r.Errors, e)
		return contracts.ArtifactManifest{}, nil, e
	}
	result := s.verifier.Verify(manifest, content)
	if !result.Verified {
		e := CheckError{Code: codePrefix + "_SIGNATURE_INVALID", Message: fmt.Sprintf("%v", result.Errors)}
		r.Errors = append(r.Errors, e)
		return contracts.ArtifactManifest{}, nil, e
	}
	return manifest, content, nil
}
