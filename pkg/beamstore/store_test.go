package beamstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/default-user/mathison/pkg/beamstore"
	"github.com/default-user/mathison/pkg/contracts"
)

func selfRoot() *contracts.Beam {
	return &contracts.Beam{BeamID: "self-root", Kind: contracts.BeamSelf, Body: []byte("i am mathison")}
}

func newStore(t *testing.T) *beamstore.Store {
	t.Helper()
	s := beamstore.New("test-passphrase", beamstore.Budgets{DailySoft: 2, DailyHard: 4})
	frame := s.Bootstrap(selfRoot())
	require.False(t, frame.Amnesic)
	return s
}

func TestBootstrapEntersAmnesicModeWithoutSelfRoot(t *testing.T) {
	s := beamstore.New("test-passphrase", beamstore.DefaultBudgets)
	frame := s.Bootstrap(nil)
	require.True(t, frame.Amnesic)
	require.True(t, s.IsAmnesic())

	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "x", Kind: contracts.BeamFact, Body: []byte("hi")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.ErrorIs(t, err, beamstore.ErrAmnesicReadOnly)
}

func TestPutRequiresCDIAllow(t *testing.T) {
	s := newStore(t)
	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "fact-1", Kind: contracts.BeamFact, Body: []byte("hello")},
	}, beamstore.GuardContext{CDIAllow: false})
	require.ErrorIs(t, err, beamstore.ErrCDIDenied)
}

func TestPutThenGetRoundTripsEncryptedBody(t *testing.T) {
	s := newStore(t)
	beam, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "fact-1", Kind: contracts.BeamFact, Body: []byte("hello")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.NoError(t, err)
	require.Equal(t, contracts.BeamActive, beam.Status)
	require.NotEqual(t, []byte("hello"), beam.Body, "body must be encrypted at rest")

	plain, err := s.DecryptBody("fact-1")
	require.NoError(t, err)
	require.Equal(t, "hello", string(plain))
}

func TestTombstoneRequiresReasonCode(t *testing.T) {
	s := newStore(t)
	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "fact-1", Kind: contracts.BeamFact, Body: []byte("x")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.NoError(t, err)

	_, err = s.Apply(contracts.StoreBeamIntent{Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: "fact-1"}}, beamstore.GuardContext{})
	require.ErrorIs(t, err, beamstore.ErrReasonCodeRequired)
}

func TestTombstoneProtectedKindRequiresApproval(t *testing.T) {
	s := newStore(t)
	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "policy-1", Kind: contracts.BeamPolicy, Body: []byte("x")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.NoError(t, err)

	_, err = s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: "policy-1"}, ReasonCode: "cleanup",
	}, beamstore.GuardContext{})
	require.ErrorIs(t, err, beamstore.ErrApprovalRequired)

	beam, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: "policy-1"}, ReasonCode: "cleanup",
	}, beamstore.GuardContext{ApprovalRef: "human-approval-1"})
	require.NoError(t, err)
	require.Equal(t, contracts.BeamTombstoned, beam.Status)
}

func TestTombstoneOverSoftBudgetRequiresApproval(t *testing.T) {
	s := newStore(t) // DailySoft: 2, DailyHard: 4
	for i, id := range []string{"f1", "f2"} {
		_, err := s.Apply(contracts.StoreBeamIntent{
			Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: id, Kind: contracts.BeamFact, Body: []byte("x")},
		}, beamstore.GuardContext{CDIAllow: true})
		require.NoError(t, err)
		_, err = s.Apply(contracts.StoreBeamIntent{
			Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: id}, ReasonCode: "cleanup",
		}, beamstore.GuardContext{})
		require.NoError(t, err, "tombstone %d under soft budget", i)
	}

	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "f3", Kind: contracts.BeamFact, Body: []byte("x")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.NoError(t, err)
	_, err = s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: "f3"}, ReasonCode: "cleanup",
	}, beamstore.GuardContext{})
	require.ErrorIs(t, err, beamstore.ErrApprovalRequired)
}

func TestTombstoneOverHardBudgetIsDeniedEvenWithApproval(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		_, err := s.Apply(contracts.StoreBeamIntent{
			Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: id, Kind: contracts.BeamFact, Body: []byte("x")},
		}, beamstore.GuardContext{CDIAllow: true})
		require.NoError(t, err)
		_, err = s.Apply(contracts.StoreBeamIntent{
			Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: id}, ReasonCode: "cleanup",
		}, beamstore.GuardContext{ApprovalRef: "human-approval"})
		require.NoError(t, err)
	}

	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "over", Kind: contracts.BeamFact, Body: []byte("x")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.NoError(t, err)
	_, err = s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: "over"}, ReasonCode: "cleanup",
	}, beamstore.GuardContext{ApprovalRef: "human-approval"})
	require.ErrorIs(t, err, beamstore.ErrHardBudgetExceeded)
}

func TestIncidentModeLocksAfterThresholdAndRequiresApprovalToClear(t *testing.T) {
	s := beamstore.New("pw", beamstore.Budgets{DailySoft: 1000, DailyHard: 1000})
	s.Bootstrap(selfRoot())

	for i := 0; i < 51; i++ {
		id := "beam-" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		_, err := s.Apply(contracts.StoreBeamIntent{
			Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: id, Kind: contracts.BeamFact, Body: []byte("x")},
		}, beamstore.GuardContext{CDIAllow: true})
		require.NoError(t, err)
		_, err = s.Apply(contracts.StoreBeamIntent{
			Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: id}, ReasonCode: "bulk-cleanup",
		}, beamstore.GuardContext{ApprovalRef: "human-approval"})
		require.NoError(t, err)
	}

	require.True(t, s.IsIncidentLocked())

	err := s.ClearIncidentMode("")
	require.Error(t, err)
	err = s.ClearIncidentMode("human-approval-clear")
	require.NoError(t, err)
	require.False(t, s.IsIncidentLocked())
}

func TestPinUnpinAffectsSelfFrameHash(t *testing.T) {
	s := newStore(t)
	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "skill-1", Kind: contracts.BeamSkill, Body: []byte("go")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.NoError(t, err)

	before := s.CompileSelfFrame()

	_, err = s.Apply(contracts.StoreBeamIntent{Op: contracts.BeamOpPin, BeamDelta: contracts.Beam{BeamID: "skill-1"}}, beamstore.GuardContext{})
	require.NoError(t, err)

	after := s.CompileSelfFrame()
	require.NotEqual(t, before.Hash, after.Hash)
}

func TestPurgeRequiresApprovalAndOnlyFromTombstoned(t *testing.T) {
	s := newStore(t)
	_, err := s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpPut, BeamDelta: contracts.Beam{BeamID: "note-1", Kind: contracts.BeamNote, Body: []byte("x")},
	}, beamstore.GuardContext{CDIAllow: true})
	require.NoError(t, err)

	_, err = s.Apply(contracts.StoreBeamIntent{Op: contracts.BeamOpPurge, BeamDelta: contracts.Beam{BeamID: "note-1"}}, beamstore.GuardContext{ApprovalRef: "x"})
	require.ErrorIs(t, err, beamstore.ErrInvalidTransition)

	_, err = s.Apply(contracts.StoreBeamIntent{
		Op: contracts.BeamOpTombstone, BeamDelta: contracts.Beam{BeamID: "note-1"}, ReasonCode: "cleanup",
	}, beamstore.GuardContext{})
	require.NoError(t, err)

	_, err = s.Apply(contracts.StoreBeamIntent{Op: contracts.BeamOpPurge, BeamDelta: contracts.Beam{BeamID: "note-1"}}, beamstore.GuardContext{})
	require.ErrorIs(t, err, beamstore.ErrApprovalRequired)

	_, err = s.Apply(contracts.StoreBeamIntent{Op: contracts.BeamOpPurge, BeamDelta: contracts.Beam{BeamID: "note-1"}}, beamstore.GuardContext{ApprovalRef: "human-approval"})
	require.NoError(t, err)
	_, found := s.Get("note-1")
	require.False(t, found)
}
