// Package checkpoint implements the Checkpoint/Resume Engine (component
// C13): one atomically-persisted JSON checkpoint per job, grounded on the
// same write-temp-then-rename discipline as the Artifact Store's
// content-addressed blob writes, applied here to per-job_id state instead
// of content-addressed bytes.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/default-user/mathison/pkg/contracts"
)

// Engine persists one JobCheckpoint per job_id as an atomic file write.
type Engine struct {
	mu      sync.Mutex
	baseDir string
}

// New constructs a Checkpoint/Resume Engine rooted at baseDir, creating it
// if necessary.
func New(baseDir string) (*Engine, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: ensure dir: %w", err)
	}
	return &Engine{baseDir: baseDir}, nil
}

func (e *Engine) path(jobID string) string {
	return filepath.Join(e.baseDir, jobID+".checkpoint.json")
}

// Create initializes a new PENDING checkpoint for job_id, failing if one
// already exists.
func (e *Engine) Create(jobID, jobType string, inputs map[string]any) (contracts.JobCheckpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.path(jobID)); err == nil {
		return contracts.JobCheckpoint{}, fmt.Errorf("checkpoint: job %q already has a checkpoint", jobID)
	}

	now := time.Now().UTC()
	cp := contracts.JobCheckpoint{
		JobID: jobID, JobType: jobType, Status: contracts.JobPending,
		Inputs: inputs, StageOutputs: make(map[string]contracts.StageOutput),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.writeLocked(cp); err != nil {
		return contracts.JobCheckpoint{}, err
	}
	return cp, nil
}

// Load reads the persisted checkpoint for job_id.
func (e *Engine) Load(jobID string) (contracts.JobCheckpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(jobID)
}

func (e *Engine) loadLocked(jobID string) (contracts.JobCheckpoint, error) {
	b, err := os.ReadFile(e.path(jobID))
	if err != nil {
		return contracts.JobCheckpoint{}, fmt.Errorf("checkpoint: load %q: %w", jobID, err)
	}
	var cp contracts.JobCheckpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return contracts.JobCheckpoint{}, fmt.Errorf("checkpoint: decode %q: %w", jobID, err)
	}
	return cp, nil
}

// UpdateStage records the now-immutable output of a completed stage and
// advances current_stage. It refuses to overwrite an already-completed
// stage's output, since completed stages' outputs must stay immutable.
func (e *Engine) UpdateStage(jobID, stage string, outputs map[string]any, completed bool) (contracts.JobCheckpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, err := e.loadLocked(jobID)
	if err != nil {
		return contracts.JobCheckpoint{}, err
	}

	if completed {
		if _, exists := cp.StageOutputs[stage]; exists {
			return contracts.JobCheckpoint{}, fmt.Errorf("checkpoint: stage %q already completed for job %q", stage, jobID)
		}
		payloadBytes, err := json.Marshal(outputs)
		if err != nil {
			return contracts.JobCheckpoint{}, fmt.Errorf("checkpoint: marshal stage output: %w", err)
		}
		cp.StageOutputs[stage] = contracts.StageOutput{
			ContentHash: HashContent(payloadBytes),
			Payload:     outputs,
		}
	}
	cp.CurrentStage = stage
	cp.Status = contracts.JobInProgress
	cp.UpdatedAt = time.Now().UTC()

	if err := e.writeLocked(cp); err != nil {
		return contracts.JobCheckpoint{}, err
	}
	return cp, nil
}

// MarkCompleted transitions the checkpoint to COMPLETED.
func (e *Engine) MarkCompleted(jobID string) (contracts.JobCheckpoint, error) {
	return e.transition(jobID, contracts.JobCompleted, "")
}

// MarkFailed transitions the checkpoint to FAILED, a terminal state that
// is not eligible for resume.
func (e *Engine) MarkFailed(jobID string, cause error) (contracts.JobCheckpoint, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return e.transition(jobID, contracts.JobFailed, msg)
}

// MarkResumableFailure transitions the checkpoint to RESUMABLE_FAILURE: a
// subsequent Run call may still resume from the last completed stage.
func (e *Engine) MarkResumableFailure(jobID string, cause error) (contracts.JobCheckpoint, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return e.transition(jobID, contracts.JobResumableFailure, msg)
}

func (e *Engine) transition(jobID string, status contracts.JobStatus, errMsg string) (contracts.JobCheckpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, err := e.loadLocked(jobID)
	if err != nil {
		return contracts.JobCheckpoint{}, err
	}
	cp.Status = status
	cp.Error = errMsg
	cp.UpdatedAt = time.Now().UTC()
	if err := e.writeLocked(cp); err != nil {
		return contracts.JobCheckpoint{}, err
	}
	return cp, nil
}

// writeLocked serializes cp and commits it via write-temp-then-rename, the
// same atomicity discipline the Artifact Store uses for content-addressed
// blobs, so a crash mid-write never leaves a partially-written checkpoint
// visible at the canonical path.
func (e *Engine) writeLocked(cp contracts.JobCheckpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	path := e.path(cp.JobID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: commit: %w", err)
	}
	return nil
}

// HashContent returns the hex-encoded SHA-256 digest of bytes, used both
// for stage output immutability checks and CheckFileHash.
func HashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CheckFileHash reports whether the file at path exists and its content
// hash matches expected, letting the Job Runner treat a stage whose output
// file already exists on disk with a matching hash as a no-op on re-run.
func CheckFileHash(path, expected string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return HashContent(b) == expected
}
