package receipts_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/receipts"
)

func newReceipt(bootKeyID, jobID string, stage contracts.ReceiptStage) contracts.Receipt {
	return contracts.Receipt{
		ReceiptID:   uuid.NewString(),
		JobID:       jobID,
		RequestID:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Stage:       stage,
		ActionID:    "memory.write",
		Decision:    contracts.DecisionAllow,
		ReasonCode:  "OK",
		ContentHash: "sha256:deadbeef",
		BootKeyID:   bootKeyID,
	}
}

func TestAppendChainsConsecutiveReceipts(t *testing.T) {
	dir := t.TempDir()
	store, err := receipts.NewFileStore(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)

	first, err := store.Append(newReceipt("boot-1", "job-1", contracts.StageCIFIngress))
	require.NoError(t, err)
	require.Empty(t, first.PrevReceiptHash)
	require.Equal(t, uint64(0), first.SessionIndex)
	require.NotEmpty(t, first.ThisHash)

	second, err := store.Append(newReceipt("boot-1", "job-1", contracts.StageHandler))
	require.NoError(t, err)
	require.Equal(t, first.ThisHash, second.PrevReceiptHash)
	require.Equal(t, uint64(1), second.SessionIndex)

	ok, err := store.VerifyChain(first.ReceiptID, second.ReceiptID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChainDetectsTamperedPrevHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receipts.jsonl")
	store, err := receipts.NewFileStore(path)
	require.NoError(t, err)

	first, err := store.Append(newReceipt("boot-1", "job-1", contracts.StageCIFIngress))
	require.NoError(t, err)
	second, err := store.Append(newReceipt("boot-1", "job-1", contracts.StageHandler))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.ReplaceAll(string(raw), second.PrevReceiptHash, "tampered-hash")
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	reloaded, err := receipts.NewFileStore(path)
	require.NoError(t, err)

	ok, err := reloaded.VerifyChain(first.ReceiptID, second.ReceiptID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetByJobFiltersAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := receipts.NewFileStore(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)

	_, err = store.Append(newReceipt("boot-1", "job-1", contracts.StageCIFIngress))
	require.NoError(t, err)
	_, err = store.Append(newReceipt("boot-1", "job-2", contracts.StageCIFIngress))
	require.NoError(t, err)
	_, err = store.Append(newReceipt("boot-1", "job-1", contracts.StageHandler))
	require.NoError(t, err)

	got, err := store.GetByJob("job-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestNewSessionStartsFreshChain(t *testing.T) {
	dir := t.TempDir()
	store, err := receipts.NewFileStore(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)

	_, err = store.Append(newReceipt("boot-1", "job-1", contracts.StageCIFIngress))
	require.NoError(t, err)

	fresh, err := store.Append(newReceipt("boot-2", "job-1", contracts.StageCIFIngress))
	require.NoError(t, err)
	require.Empty(t, fresh.PrevReceiptHash)
	require.Equal(t, uint64(0), fresh.SessionIndex)
}

func TestReloadFromDiskPreservesChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receipts.jsonl")
	store, err := receipts.NewFileStore(path)
	require.NoError(t, err)

	first, err := store.Append(newReceipt("boot-1", "job-1", contracts.StageCIFIngress))
	require.NoError(t, err)

	reloaded, err := receipts.NewFileStore(path)
	require.NoError(t, err)

	got, ok, err := reloaded.GetByID(first.ReceiptID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ThisHash, got.ThisHash)

	second, err := reloaded.Append(newReceipt("boot-1", "job-1", contracts.StageHandler))
	require.NoError(t, err)
	require.Equal(t, first.ThisHash, second.PrevReceiptHash)
}
