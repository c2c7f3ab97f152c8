package checkpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/default-user/mathison/pkg/checkpoint"
	"github.com/default-user/mathison/pkg/contracts"
)

func newEngine(t *testing.T) *checkpoint.Engine {
	t.Helper()
	e, err := checkpoint.New(t.TempDir())
	require.NoError(t, err)
	return e
}

func TestCreateInitializesPendingCheckpoint(t *testing.T) {
	e := newEngine(t)
	cp, err := e.Create("job-1", "ingest", map[string]any{"source": "s3"})
	require.NoError(t, err)
	require.Equal(t, contracts.JobPending, cp.Status)
	require.Empty(t, cp.StageOutputs)
}

func TestCreateRejectsDuplicateJobID(t *testing.T) {
	e := newEngine(t)
	_, err := e.Create("job-1", "ingest", nil)
	require.NoError(t, err)
	_, err = e.Create("job-1", "ingest", nil)
	require.Error(t, err)
}

func TestUpdateStagePersistsOutputsAndAdvances(t *testing.T) {
	e := newEngine(t)
	_, err := e.Create("job-1", "ingest", nil)
	require.NoError(t, err)

	cp, err := e.UpdateStage("job-1", "fetch", map[string]any{"rows": 10}, true)
	require.NoError(t, err)
	require.Equal(t, contracts.JobInProgress, cp.Status)
	require.Equal(t, "fetch", cp.CurrentStage)
	require.Contains(t, cp.StageOutputs, "fetch")
	require.NotEmpty(t, cp.StageOutputs["fetch"].ContentHash)

	reloaded, err := e.Load("job-1")
	require.NoError(t, err)
	require.Contains(t, reloaded.StageOutputs, "fetch")
}

func TestUpdateStageRejectsOverwritingCompletedStage(t *testing.T) {
	e := newEngine(t)
	_, err := e.Create("job-1", "ingest", nil)
	require.NoError(t, err)

	_, err = e.UpdateStage("job-1", "fetch", map[string]any{"rows": 10}, true)
	require.NoError(t, err)

	_, err = e.UpdateStage("job-1", "fetch", map[string]any{"rows": 99}, true)
	require.Error(t, err)
}

func TestMarkResumableFailureAllowsInspectionOfError(t *testing.T) {
	e := newEngine(t)
	_, err := e.Create("job-1", "ingest", nil)
	require.NoError(t, err)

	cp, err := e.MarkResumableFailure("job-1", errors.New("timeout talking to upstream"))
	require.NoError(t, err)
	require.Equal(t, contracts.JobResumableFailure, cp.Status)
	require.Contains(t, cp.Error, "timeout")
}

func TestMarkCompletedTransitionsStatus(t *testing.T) {
	e := newEngine(t)
	_, err := e.Create("job-1", "ingest", nil)
	require.NoError(t, err)

	cp, err := e.MarkCompleted("job-1")
	require.NoError(t, err)
	require.Equal(t, contracts.JobCompleted, cp.Status)
}

func TestCheckFileHashDetectsMatchAndMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("stage output bytes"), 0o644))

	expected := checkpoint.HashContent([]byte("stage output bytes"))
	require.True(t, checkpoint.CheckFileHash(path, expected))
	require.False(t, checkpoint.CheckFileHash(path, "deadbeef"))
}

func TestWriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	e, err := checkpoint.New(dir)
	require.NoError(t, err)

	_, err = e.Create("job-1", "ingest", nil)
	require.NoError(t, err)
	_, err = e.UpdateStage("job-1", "fetch", map[string]any{"rows": 1}, true)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.NotContains(t, entry.Name(), ".tmp")
	}
}
