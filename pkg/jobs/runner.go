// Package jobs implements the Job Runner (component C14): fixed
// ordered-stage execution over the Checkpoint/Resume Engine, grounded on
// the donor Safe Executor's gate-then-dispatch-then-receipt shape from
// `pkg/executor/executor.go`, generalized from a single tool dispatch to
// an ordered multi-stage pipeline with per-stage timeouts and resumable
// failure accounting.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/default-user/mathison/pkg/checkpoint"
	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/receipts"
)

// DefaultStageTimeout and DefaultRequestTimeout match the spec's defaults;
// both are overridable per job via StageDef.Timeout / Runner.RequestTimeout.
const (
	DefaultStageTimeout   = 5 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
)

// ErrStageTimeout and ErrStageFailed are the structured errors Run raises
// on a non-resumed stage failure; callers inspect the checkpoint's Status
// and Error fields for the durable record.
var (
	ErrStageTimeout = errors.New("jobs: stage timed out")
	ErrStageFailed  = errors.New("jobs: stage failed")
)

// StageFunc runs one stage's logic. It returns the structured outputs to
// persist and, if it wrote a deterministic output file, the path and
// content hash used for the idempotency check on resume.
type StageFunc func(ctx context.Context, inputs map[string]any, priorOutputs map[string]contracts.StageOutput) (outputs map[string]any, err error)

// StageDef is one named step in a job_type's fixed ordered stage list.
type StageDef struct {
	Name string
	Fn   StageFunc
	// Timeout overrides DefaultStageTimeout for this stage when non-zero.
	Timeout time.Duration
	// OutputPath and ExpectedHash, when both set, let Run skip Fn entirely
	// if a file already on disk at OutputPath(inputs) hashes to
	// ExpectedHash(inputs) — the idempotency check for a stage whose
	// output was already durably written by a prior, interrupted run.
	OutputPath   func(inputs map[string]any) string
	ExpectedHash func(inputs map[string]any) string
}

// Runner executes a job_type's fixed stage list against the
// Checkpoint/Resume Engine, emitting a receipt for every stage outcome.
type Runner struct {
	checkpoints *checkpoint.Engine
	receiptLog  receipts.Store
	stagesByJob map[string][]StageDef
	bootKeyID   func() string
	genomeID    string
	genomeVer   string

	mu      sync.Mutex
	running map[string]bool
}

// New constructs a Job Runner bound to the Checkpoint/Resume Engine and
// Receipt Store.
func New(checkpoints *checkpoint.Engine, receiptLog receipts.Store, bootKeyID func() string, genomeID, genomeVersion string) *Runner {
	return &Runner{
		checkpoints: checkpoints, receiptLog: receiptLog, bootKeyID: bootKeyID,
		genomeID: genomeID, genomeVer: genomeVersion,
		stagesByJob: make(map[string][]StageDef), running: make(map[string]bool),
	}
}

// RegisterStages binds the fixed ordered stage list for a job_type. It
// panics on a duplicate job_type, since the stage list for a job_type is
// fixed at init and never silently redefined.
func (r *Runner) RegisterStages(jobType string, stages []StageDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stagesByJob[jobType]; exists {
		panic("jobs: stage list already registered for job_type: " + jobType)
	}
	r.stagesByJob[jobType] = stages
}

// Run creates or loads the checkpoint for job_id and executes its
// job_type's stages in order, skipping stages already present in
// StageOutputs. Concurrent Run calls on the same job_id are rejected:
// the Job Runner is single-writer per job_id.
func (r *Runner) Run(ctx context.Context, jobID, jobType string, inputs map[string]any) (contracts.JobCheckpoint, error) {
	if err := r.lock(jobID); err != nil {
		return contracts.JobCheckpoint{}, err
	}
	defer r.unlock(jobID)

	r.mu.Lock()
	stages, ok := r.stagesByJob[jobType]
	r.mu.Unlock()
	if !ok {
		return contracts.JobCheckpoint{}, fmt.Errorf("jobs: unregistered job_type %q", jobType)
	}

	cp, err := r.checkpoints.Load(jobID)
	resuming := err == nil
	if !resuming {
		cp, err = r.checkpoints.Create(jobID, jobType, inputs)
		if err != nil {
			return contracts.JobCheckpoint{}, fmt.Errorf("jobs: create checkpoint: %w", err)
		}
	} else if cp.Status == contracts.JobCompleted {
		return cp, nil
	} else {
		r.emitReceipt(jobID, "", contracts.StageResume, contracts.DecisionAllow, "RESUME")
	}

	for _, stage := range stages {
		if _, done := cp.StageOutputs[stage.Name]; done {
			continue
		}

		if stage.OutputPath != nil && stage.ExpectedHash != nil {
			path := stage.OutputPath(inputs)
			expected := stage.ExpectedHash(inputs)
			if path != "" && expected != "" && checkpoint.CheckFileHash(path, expected) {
				cp, err = r.checkpoints.UpdateStage(jobID, stage.Name, map[string]any{"idempotent_skip": true}, true)
				if err != nil {
					return contracts.JobCheckpoint{}, err
				}
				continue
			}
		}

		timeout := stage.Timeout
		if timeout <= 0 {
			timeout = DefaultStageTimeout
		}

		outputs, stageErr := r.executeWithTimeout(ctx, stage, inputs, cp.StageOutputs, timeout)
		if stageErr != nil {
			if errors.Is(stageErr, ErrStageTimeout) {
				cp, _ = r.checkpoints.MarkResumableFailure(jobID, stageErr)
				r.emitReceipt(jobID, stage.Name, contracts.StageTimeout, contracts.DecisionDeny, "TIMEOUT")
				return cp, stageErr
			}
			cp, _ = r.checkpoints.MarkResumableFailure(jobID, stageErr)
			r.emitReceipt(jobID, stage.Name, contracts.StageComplete, contracts.DecisionDeny, "STAGE_FAILED")
			return cp, fmt.Errorf("%w: stage %q: %v", ErrStageFailed, stage.Name, stageErr)
		}

		cp, err = r.checkpoints.UpdateStage(jobID, stage.Name, outputs, true)
		if err != nil {
			return contracts.JobCheckpoint{}, err
		}
		r.emitReceipt(jobID, stage.Name, contracts.StageComplete, contracts.DecisionAllow, "STAGE_COMPLETE")
	}

	return r.checkpoints.MarkCompleted(jobID)
}

func (r *Runner) executeWithTimeout(ctx context.Context, stage StageDef, inputs map[string]any, prior map[string]contracts.StageOutput, timeout time.Duration) (map[string]any, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		outputs map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outputs, err := stage.Fn(stageCtx, inputs, prior)
		done <- result{outputs: outputs, err: err}
	}()

	select {
	case <-stageCtx.Done():
		return nil, ErrStageTimeout
	case res := <-done:
		return res.outputs, res.err
	}
}

func (r *Runner) emitReceipt(jobID, stageName string, stage contracts.ReceiptStage, decision contracts.ReceiptDecision, reasonCode string) {
	if r.receiptLog == nil {
		return
	}
	bootKeyID := ""
	if r.bootKeyID != nil {
		bootKeyID = r.bootKeyID()
	}
	_, _ = r.receiptLog.Append(contracts.Receipt{
		ReceiptID:     uuid.NewString(),
		JobID:         jobID,
		RequestID:     jobID,
		Timestamp:     time.Now().UTC(),
		Stage:         stage,
		ActionID:      "job." + stageName,
		Decision:      decision,
		ReasonCode:    reasonCode,
		GenomeID:      r.genomeID,
		GenomeVersion: r.genomeVer,
		BootKeyID:     bootKeyID,
	})
}

func (r *Runner) lock(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[jobID] {
		return fmt.Errorf("jobs: job %q already running", jobID)
	}
	r.running[jobID] = true
	return nil
}

func (r *Runner) unlock(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}
