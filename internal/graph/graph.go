// Package graph is the typed façade over the property-graph backend.
// Writes are declarative MergeNode/MergeEdge operations with
// MERGE-equivalent idempotent semantics, so replays of a committed batch
// are safe and document_refs accumulate by union rather than overwrite.
package graph

import (
	"context"
	"errors"
	"sort"
)

// MergeNode upserts a node keyed by (Label, ID). Properties are
// last-writer-wins per key; DocumentRefs union.
type MergeNode struct {
	Label        string            `json:"label"`
	ID           string            `json:"id"`
	Properties   map[string]string `json:"properties,omitempty"`
	DocumentRefs []string          `json:"document_refs,omitempty"`
}

// MergeEdge upserts an edge keyed by (SourceID, Type, TargetID).
type MergeEdge struct {
	SourceID     string            `json:"source_id"`
	TargetID     string            `json:"target_id"`
	Type         string            `json:"type"`
	Properties   map[string]string `json:"properties,omitempty"`
	DocumentRefs []string          `json:"document_refs,omitempty"`
}

// Batch is an ordered set of graph operations awaiting atomic commit.
// Append-only until committed or discarded; never observable afterward.
type Batch struct {
	ID    string      `json:"id"`
	Nodes []MergeNode `json:"nodes"`
	Edges []MergeEdge `json:"edges"`
}

func (b *Batch) OpCount() int {
	return len(b.Nodes) + len(b.Edges)
}

// Sort puts the batch into the canonical commit order: nodes by
// (label, id), then edges by (source_id, type, target_id). Concurrent
// commits of overlapping batches reach a consistent lock order this way.
func (b *Batch) Sort() {
	sort.SliceStable(b.Nodes, func(i, j int) bool {
		if b.Nodes[i].Label != b.Nodes[j].Label {
			return b.Nodes[i].Label < b.Nodes[j].Label
		}
		return b.Nodes[i].ID < b.Nodes[j].ID
	})
	sort.SliceStable(b.Edges, func(i, j int) bool {
		if b.Edges[i].SourceID != b.Edges[j].SourceID {
			return b.Edges[i].SourceID < b.Edges[j].SourceID
		}
		if b.Edges[i].Type != b.Edges[j].Type {
			return b.Edges[i].Type < b.Edges[j].Type
		}
		return b.Edges[i].TargetID < b.Edges[j].TargetID
	})
}

// TxResult reports a committed transaction.
type TxResult struct {
	OpCount int
}

// ErrDeadlock is returned by a Session when the backend aborts the
// transaction due to lock contention. The transaction manager retries these.
var ErrDeadlock = errors.New("graph: transaction deadlock")

// Session is a single connection to the graph backend. Commits through one
// session are serialized.
type Session interface {
	// RunTx executes the whole batch in a single backend transaction.
	// On error nothing from the batch is persisted.
	RunTx(ctx context.Context, batch *Batch) (*TxResult, error)
	Close() error
}

// Store is the external graph database boundary.
type Store interface {
	Session(ctx context.Context) (Session, error)

	// CountByLabel and OrphanCount are read helpers for health and tests.
	// An orphan is a node with no incident edge.
	CountByLabel(ctx context.Context, label string) (int, error)
	OrphanCount(ctx context.Context) (int, error)
}
