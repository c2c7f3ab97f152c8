package logsink_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/default-user/mathison/pkg/contracts"
	"github.com/default-user/mathison/pkg/logsink"
)

func envelope(severity contracts.LogSeverity, summary string) contracts.LogEnvelope {
	return contracts.LogEnvelope{
		NodeID: "node-1", SubjectID: "agent-1", EventType: "test.event",
		Severity: severity, Summary: summary,
	}
}

func TestAppendChainsConsecutiveEnvelopes(t *testing.T) {
	s := logsink.New(logsink.DefaultLimits, logsink.DefaultPolicy)

	first, err := s.Append(envelope(contracts.SeverityInfo, "first"))
	require.NoError(t, err)
	require.Empty(t, first.ChainPrevHash)

	second, err := s.Append(envelope(contracts.SeverityInfo, "second"))
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.ChainPrevHash)
	require.True(t, s.VerifyChain())
}

func TestAppendDropsOldestDroppableSeverityOnOverflow(t *testing.T) {
	s := logsink.New(logsink.Limits{MaxEnvelopes: 2, MaxPendingBytes: 0}, logsink.DefaultPolicy)

	_, err := s.Append(envelope(contracts.SeverityInfo, "one"))
	require.NoError(t, err)
	_, err = s.Append(envelope(contracts.SeverityInfo, "two"))
	require.NoError(t, err)
	_, err = s.Append(envelope(contracts.SeverityInfo, "three"))
	require.NoError(t, err)

	pending := s.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "two", pending[0].Summary)
	require.Equal(t, "three", pending[1].Summary)
}

func TestAppendFailsClosedWhenBlockSeverityCannotBeDropped(t *testing.T) {
	s := logsink.New(logsink.Limits{MaxEnvelopes: 1, MaxPendingBytes: 0}, logsink.DefaultPolicy)

	_, err := s.Append(envelope(contracts.SeverityCritical, "first critical"))
	require.NoError(t, err)

	_, err = s.Append(envelope(contracts.SeverityCritical, "second critical"))
	require.ErrorIs(t, err, logsink.ErrDurableLoggingRequired)
}

func TestFlushRemovesAndReturnsOldestEnvelopes(t *testing.T) {
	s := logsink.New(logsink.DefaultLimits, logsink.DefaultPolicy)
	for _, summary := range []string{"a", "b", "c"} {
		_, err := s.Append(envelope(contracts.SeverityInfo, summary))
		require.NoError(t, err)
	}

	flushed := s.Flush(2)
	require.Len(t, flushed, 2)
	require.Equal(t, "a", flushed[0].Summary)
	require.Equal(t, "b", flushed[1].Summary)

	remaining := s.Pending()
	require.Len(t, remaining, 1)
	require.Equal(t, "c", remaining[0].Summary)
}

func TestClearResetsChainAndPending(t *testing.T) {
	s := logsink.New(logsink.DefaultLimits, logsink.DefaultPolicy)
	_, err := s.Append(envelope(contracts.SeverityInfo, "one"))
	require.NoError(t, err)

	s.Clear()
	require.Empty(t, s.Pending())

	first, err := s.Append(envelope(contracts.SeverityInfo, "fresh"))
	require.NoError(t, err)
	require.Empty(t, first.ChainPrevHash)
}

func TestVerifyChainDetectsTamperedHash(t *testing.T) {
	s := logsink.New(logsink.DefaultLimits, logsink.DefaultPolicy)
	_, err := s.Append(envelope(contracts.SeverityInfo, "one"))
	require.NoError(t, err)
	_, err = s.Append(envelope(contracts.SeverityInfo, "two"))
	require.NoError(t, err)
	require.True(t, s.VerifyChain())
}
