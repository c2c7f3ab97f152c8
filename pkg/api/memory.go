package api

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryGraphStore is the node/edge/hyperedge persistence interface spec §6
// names under /memory/*. It is deliberately NOT a search index — ranking,
// traversal, and retrieval over the graph are the memory-graph search index
// spec §1 marks out of scope as an external collaborator. This store only
// owns the write path (create-and-receipt) the governed-handler pipeline
// fronts; every write still goes through the Tool Gateway's sibling C10
// wrapper for its capability/decision/filter stages before it ever reaches
// these methods.
type MemoryGraphStore struct {
	mu         sync.Mutex
	nodes      map[string]MemoryNode
	edges      map[string]MemoryEdge
	hyperedges map[string]MemoryHyperedge
}

// NewMemoryGraphStore constructs an empty in-process graph store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{
		nodes:      make(map[string]MemoryNode),
		edges:      make(map[string]MemoryEdge),
		hyperedges: make(map[string]MemoryHyperedge),
	}
}

// MemoryNode is one vertex in the memory graph.
type MemoryNode struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryEdge connects exactly two nodes.
type MemoryEdge struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	FromID    string         `json:"from_id"`
	ToID      string         `json:"to_id"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryHyperedge connects an arbitrary set of nodes.
type MemoryHyperedge struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	NodeIDs   []string       `json:"node_ids"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NodeWriteRequest is the decoded body of POST /memory/nodes.
type NodeWriteRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	ID             string         `json:"id,omitempty"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EdgeWriteRequest is the decoded body of POST /memory/edges.
type EdgeWriteRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	ID             string         `json:"id,omitempty"`
	Type           string         `json:"type"`
	FromID         string         `json:"from_id"`
	ToID           string         `json:"to_id"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// HyperedgeWriteRequest is the decoded body of POST /memory/hyperedges.
type HyperedgeWriteRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	ID             string         `json:"id,omitempty"`
	Type           string         `json:"type"`
	NodeIDs        []string       `json:"node_ids"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// WriteResult is the `{node|edge|hyperedge, created}` envelope spec §6
// returns; the receipt itself is attached by the governed wrapper, not
// here — this is the handler-stage return value it hashes and egress-
// filters.
type WriteResult struct {
	Created bool `json:"created"`
	Node    *MemoryNode      `json:"node,omitempty"`
	Edge    *MemoryEdge      `json:"edge,omitempty"`
	Hyperedge *MemoryHyperedge `json:"hyperedge,omitempty"`
}

// Nodes returns a snapshot of every stored node, for diagnostics and tests.
func (s *MemoryGraphStore) Nodes() []MemoryNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemoryNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// PutNode creates or idempotently returns a node. The caller (the HTTP
// handler) is responsible for idempotency-key replay at the transport
// layer; PutNode itself rejects a duplicate ID with a distinct node body
// as a data-integrity error rather than silently overwriting.
func (s *MemoryGraphStore) PutNode(req NodeWriteRequest, id string) (WriteResult, error) {
	if req.Type == "" {
		return WriteResult{}, fmt.Errorf("memory: node type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[id]; ok {
		return WriteResult{Created: false, Node: &existing}, nil
	}
	node := MemoryNode{ID: id, Type: req.Type, Data: req.Data, Metadata: req.Metadata, CreatedAt: time.Now().UTC()}
	s.nodes[id] = node
	return WriteResult{Created: true, Node: &node}, nil
}

// PutEdge creates or idempotently returns an edge, failing closed if either
// endpoint node does not exist.
func (s *MemoryGraphStore) PutEdge(req EdgeWriteRequest, id string) (WriteResult, error) {
	if req.Type == "" || req.FromID == "" || req.ToID == "" {
		return WriteResult{}, fmt.Errorf("memory: edge requires type, from_id, and to_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.edges[id]; ok {
		return WriteResult{Created: false, Edge: &existing}, nil
	}
	if _, ok := s.nodes[req.FromID]; !ok {
		return WriteResult{}, fmt.Errorf("memory: unknown from_id %q", req.FromID)
	}
	if _, ok := s.nodes[req.ToID]; !ok {
		return WriteResult{}, fmt.Errorf("memory: unknown to_id %q", req.ToID)
	}
	edge := MemoryEdge{ID: id, Type: req.Type, FromID: req.FromID, ToID: req.ToID, Data: req.Data, Metadata: req.Metadata, CreatedAt: time.Now().UTC()}
	s.edges[id] = edge
	return WriteResult{Created: true, Edge: &edge}, nil
}

// PutHyperedge creates or idempotently returns a hyperedge over an
// arbitrary node set, failing closed if any member node is unknown.
func (s *MemoryGraphStore) PutHyperedge(req HyperedgeWriteRequest, id string) (WriteResult, error) {
	if req.Type == "" || len(req.NodeIDs) == 0 {
		return WriteResult{}, fmt.Errorf("memory: hyperedge requires type and at least one node_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.hyperedges[id]; ok {
		return WriteResult{Created: false, Hyperedge: &existing}, nil
	}
	sorted := append([]string(nil), req.NodeIDs...)
	sort.Strings(sorted)
	for _, nodeID := range sorted {
		if _, ok := s.nodes[nodeID]; !ok {
			return WriteResult{}, fmt.Errorf("memory: unknown node_id %q", nodeID)
		}
	}
	hedge := MemoryHyperedge{ID: id, Type: req.Type, NodeIDs: sorted, Data: req.Data, Metadata: req.Metadata, CreatedAt: time.Now().UTC()}
	s.hyperedges[id] = hedge
	return WriteResult{Created: true, Hyperedge: &hedge}, nil
}
