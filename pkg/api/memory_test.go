package api_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/default-user/mathison/pkg/api"
)

func TestPutNodeIsIdempotentOnSameID(t *testing.T) {
	store := api.NewMemoryGraphStore()
	req := api.NodeWriteRequest{Type: "fact", Data: map[string]any{"v": 1}}

	first, err := store.PutNode(req, "node-1")
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := store.PutNode(req, "node-1")
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Node.CreatedAt, second.Node.CreatedAt)
}

func TestPutNodeRequiresType(t *testing.T) {
	store := api.NewMemoryGraphStore()
	_, err := store.PutNode(api.NodeWriteRequest{}, "node-1")
	require.Error(t, err)
}

func TestPutEdgeFailsClosedOnUnknownEndpoints(t *testing.T) {
	store := api.NewMemoryGraphStore()
	_, err := store.PutEdge(api.EdgeWriteRequest{Type: "relates_to", FromID: "a", ToID: "b"}, "edge-1")
	require.Error(t, err)
}

func TestPutEdgeSucceedsWhenBothEndpointsExist(t *testing.T) {
	store := api.NewMemoryGraphStore()
	_, err := store.PutNode(api.NodeWriteRequest{Type: "fact"}, "a")
	require.NoError(t, err)
	_, err = store.PutNode(api.NodeWriteRequest{Type: "fact"}, "b")
	require.NoError(t, err)

	result, err := store.PutEdge(api.EdgeWriteRequest{Type: "relates_to", FromID: "a", ToID: "b"}, "edge-1")
	require.NoError(t, err)
	require.True(t, result.Created)
	require.Equal(t, "a", result.Edge.FromID)
	require.Equal(t, "b", result.Edge.ToID)
}

func TestPutHyperedgeFailsClosedOnAnyUnknownMember(t *testing.T) {
	store := api.NewMemoryGraphStore()
	_, err := store.PutNode(api.NodeWriteRequest{Type: "fact"}, "a")
	require.NoError(t, err)

	_, err = store.PutHyperedge(api.HyperedgeWriteRequest{Type: "group", NodeIDs: []string{"a", "missing"}}, "hedge-1")
	require.Error(t, err)
}

func TestPutHyperedgeSortsNodeIDs(t *testing.T) {
	store := api.NewMemoryGraphStore()
	for _, id := range []string{"c", "a", "b"} {
		_, err := store.PutNode(api.NodeWriteRequest{Type: "fact"}, id)
		require.NoError(t, err)
	}

	result, err := store.PutHyperedge(api.HyperedgeWriteRequest{Type: "group", NodeIDs: []string{"c", "a", "b"}}, "hedge-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, result.Hyperedge.NodeIDs)
}
