package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/crewbrain/crewbrain/internal/failure"
)

type nodeKey struct {
	Label string
	ID    string
}

type edgeKey struct {
	SourceID string
	Type     string
	TargetID string
}

type storedNode struct {
	Properties   map[string]string
	DocumentRefs map[string]struct{}
}

type storedEdge struct {
	Properties   map[string]string
	DocumentRefs map[string]struct{}
}

// MemoryStore is an in-process Store with MERGE semantics. It backs tests
// and local runs, and supports scripted fault injection so commit atomicity
// can be exercised at every op index.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[nodeKey]*storedNode
	edges map[edgeKey]*storedEdge

	// FailAt, when set, is consulted before applying the op with the given
	// zero-based index within a batch (nodes first, then edges). Returning a
	// non-nil error aborts the transaction.
	FailAt func(opIndex int) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: map[nodeKey]*storedNode{},
		edges: map[edgeKey]*storedEdge{},
	}
}

func (s *MemoryStore) Session(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memorySession{store: s}, nil
}

type memorySession struct {
	store *MemoryStore
}

func (se *memorySession) Close() error { return nil }

// RunTx applies the batch to a scratch overlay and installs it only when
// every op succeeds, so a mid-batch failure leaves the store untouched.
func (se *memorySession) RunTx(ctx context.Context, batch *Batch) (*TxResult, error) {
	s := se.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, failure.FromTransport("graph_tx", err)
	}

	newNodes := map[nodeKey]*storedNode{}
	newEdges := map[edgeKey]*storedEdge{}

	opIndex := 0
	for _, op := range batch.Nodes {
		if s.FailAt != nil {
			if err := s.FailAt(opIndex); err != nil {
				return nil, err
			}
		}
		k := nodeKey{Label: op.Label, ID: op.ID}
		cur := newNodes[k]
		if cur == nil {
			if existing := s.nodes[k]; existing != nil {
				cur = existing.clone()
			} else {
				cur = &storedNode{Properties: map[string]string{}, DocumentRefs: map[string]struct{}{}}
			}
			newNodes[k] = cur
		}
		for pk, pv := range op.Properties {
			cur.Properties[pk] = pv
		}
		for _, ref := range op.DocumentRefs {
			cur.DocumentRefs[ref] = struct{}{}
		}
		opIndex++
	}
	for _, op := range batch.Edges {
		if s.FailAt != nil {
			if err := s.FailAt(opIndex); err != nil {
				return nil, err
			}
		}
		src := nodeExists(s.nodes, newNodes, op.SourceID)
		dst := nodeExists(s.nodes, newNodes, op.TargetID)
		if !src || !dst {
			return nil, failure.Newf(failure.KindGraphLogic, "graph_tx",
				"edge %s-[%s]->%s references a missing node", op.SourceID, op.Type, op.TargetID)
		}
		k := edgeKey{SourceID: op.SourceID, Type: op.Type, TargetID: op.TargetID}
		cur := newEdges[k]
		if cur == nil {
			if existing := s.edges[k]; existing != nil {
				cur = existing.clone()
			} else {
				cur = &storedEdge{Properties: map[string]string{}, DocumentRefs: map[string]struct{}{}}
			}
			newEdges[k] = cur
		}
		for pk, pv := range op.Properties {
			cur.Properties[pk] = pv
		}
		for _, ref := range op.DocumentRefs {
			cur.DocumentRefs[ref] = struct{}{}
		}
		opIndex++
	}

	for k, v := range newNodes {
		s.nodes[k] = v
	}
	for k, v := range newEdges {
		s.edges[k] = v
	}
	return &TxResult{OpCount: batch.OpCount()}, nil
}

func nodeExists(committed, staged map[nodeKey]*storedNode, id string) bool {
	for k := range staged {
		if k.ID == id {
			return true
		}
	}
	for k := range committed {
		if k.ID == id {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CountByLabel(ctx context.Context, label string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.nodes {
		if k.Label == label {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) OrphanCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident := map[string]struct{}{}
	for k := range s.edges {
		incident[k.SourceID] = struct{}{}
		incident[k.TargetID] = struct{}{}
	}
	n := 0
	for k := range s.nodes {
		if _, ok := incident[k.ID]; !ok {
			n++
		}
	}
	return n, nil
}

// NodeCount reports the total number of nodes. Test helper.
func (s *MemoryStore) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// EdgeCount reports the total number of edges. Test helper.
func (s *MemoryStore) EdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges)
}

// NodeRefs returns the document_refs of a node, or nil when absent.
func (s *MemoryStore) NodeRefs(label, id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[nodeKey{Label: label, ID: id}]
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.DocumentRefs))
	for ref := range n.DocumentRefs {
		out = append(out, ref)
	}
	return out
}

// EdgeRefs returns the document_refs of an edge, or nil when absent.
func (s *MemoryStore) EdgeRefs(sourceID, typ, targetID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.edges[edgeKey{SourceID: sourceID, Type: typ, TargetID: targetID}]
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.DocumentRefs))
	for ref := range e.DocumentRefs {
		out = append(out, ref)
	}
	return out
}

// HasNode reports whether a node with the given label and id exists.
func (s *MemoryStore) HasNode(label, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[nodeKey{Label: label, ID: id}]
	return ok
}

// HasEdge reports whether an edge with the given key exists.
func (s *MemoryStore) HasEdge(sourceID, typ, targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.edges[edgeKey{SourceID: sourceID, Type: typ, TargetID: targetID}]
	return ok
}

func (n *storedNode) clone() *storedNode {
	out := &storedNode{Properties: map[string]string{}, DocumentRefs: map[string]struct{}{}}
	for k, v := range n.Properties {
		out.Properties[k] = v
	}
	for k := range n.DocumentRefs {
		out.DocumentRefs[k] = struct{}{}
	}
	return out
}

func (e *storedEdge) clone() *storedEdge {
	out := &storedEdge{Properties: map[string]string{}, DocumentRefs: map[string]struct{}{}}
	for k, v := range e.Properties {
		out.Properties[k] = v
	}
	for k := range e.DocumentRefs {
		out.DocumentRefs[k] = struct{}{}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

// String implements fmt.Stringer for debug output.
func (s *MemoryStore) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("memorystore{nodes=%d edges=%d}", len(s.nodes), len(s.edges))
}
