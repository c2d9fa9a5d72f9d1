package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crewbrain/crewbrain/internal/breaker"
	"github.com/crewbrain/crewbrain/internal/failure"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testBreaker() *breaker.Breaker {
	return breaker.New("graph", breaker.Config{FailureThreshold: 5, FailureWindow: time.Minute, Cooldown: time.Hour}, testLog())
}

func committableBatch(n int) *Batch {
	b := &Batch{ID: "B1"}
	for i := 0; i < n; i++ {
		b.Nodes = append(b.Nodes, MergeNode{Label: "EQUIPMENT", ID: fmt.Sprintf("n%02d", i), DocumentRefs: []string{"d1"}})
	}
	for i := 1; i < n; i++ {
		b.Edges = append(b.Edges, MergeEdge{SourceID: "n00", TargetID: fmt.Sprintf("n%02d", i), Type: "USES", DocumentRefs: []string{"d1"}})
	}
	return b
}

func TestCommitAllOrNothingAtEveryOpIndex(t *testing.T) {
	total := committableBatch(4).OpCount()
	for failAt := 0; failAt < total; failAt++ {
		store := NewMemoryStore()
		store.FailAt = func(opIndex int) error {
			if opIndex == failAt {
				return failure.Newf(failure.KindBackend5xx, "graph_tx", "injected at %d", opIndex)
			}
			return nil
		}
		tm := NewTxManager(store, testBreaker(), time.Minute, testLog())
		_, err := tm.Commit(context.Background(), committableBatch(4))
		if err == nil {
			t.Fatalf("failAt=%d: expected error", failAt)
		}
		if store.NodeCount() != 0 || store.EdgeCount() != 0 {
			t.Fatalf("failAt=%d: partial commit observed: nodes=%d edges=%d", failAt, store.NodeCount(), store.EdgeCount())
		}
	}

	// And with no injection the whole batch lands.
	store := NewMemoryStore()
	tm := NewTxManager(store, testBreaker(), time.Minute, testLog())
	res, err := tm.Commit(context.Background(), committableBatch(4))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.OpCount != total {
		t.Fatalf("op count: got %d want %d", res.OpCount, total)
	}
	if store.NodeCount() != 4 || store.EdgeCount() != 3 {
		t.Fatalf("store: nodes=%d edges=%d", store.NodeCount(), store.EdgeCount())
	}
}

func TestCommitRetriesDeadlock(t *testing.T) {
	store := NewMemoryStore()
	failures := 2
	store.FailAt = func(opIndex int) error {
		if opIndex == 0 && failures > 0 {
			failures--
			return ErrDeadlock
		}
		return nil
	}
	tm := NewTxManager(store, testBreaker(), time.Minute, testLog())
	if _, err := tm.Commit(context.Background(), committableBatch(2)); err != nil {
		t.Fatalf("commit after deadlocks: %v", err)
	}
	if store.NodeCount() != 2 {
		t.Fatalf("nodes: got %d want 2", store.NodeCount())
	}
}

func TestCommitGivesUpAfterThreeDeadlocks(t *testing.T) {
	store := NewMemoryStore()
	store.FailAt = func(opIndex int) error { return ErrDeadlock }
	tm := NewTxManager(store, testBreaker(), time.Minute, testLog())
	_, err := tm.Commit(context.Background(), committableBatch(2))
	if err == nil {
		t.Fatalf("expected error")
	}
	if failure.KindOf(err) != failure.KindBackend5xx {
		t.Fatalf("kind: got %s want %s", failure.KindOf(err), failure.KindBackend5xx)
	}
}

func TestCommitSurfacesBreakerOpen(t *testing.T) {
	store := NewMemoryStore()
	store.FailAt = func(opIndex int) error {
		return failure.Newf(failure.KindTimeout, "graph_tx", "injected timeout")
	}
	brk := breaker.New("graph", breaker.Config{FailureThreshold: 1, FailureWindow: time.Minute, Cooldown: time.Hour}, testLog())
	tm := NewTxManager(store, brk, time.Minute, testLog())

	if _, err := tm.Commit(context.Background(), committableBatch(1)); failure.KindOf(err) != failure.KindTimeout {
		t.Fatalf("first commit: got %v", err)
	}
	// Breaker is now open; the store must not be touched again.
	store.FailAt = func(opIndex int) error {
		t.Fatalf("store reached while breaker open")
		return nil
	}
	_, err := tm.Commit(context.Background(), committableBatch(1))
	if failure.KindOf(err) != failure.KindBreakerOpen {
		t.Fatalf("second commit: got %v want breaker_open", err)
	}
}

func TestCommitGraphLogicPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	tm := NewTxManager(store, testBreaker(), time.Minute, testLog())
	// Edge to a node that is neither staged nor committed.
	b := &Batch{
		Nodes: []MergeNode{{Label: "EQUIPMENT", ID: "a"}},
		Edges: []MergeEdge{{SourceID: "a", TargetID: "ghost", Type: "USES"}},
	}
	_, err := tm.Commit(context.Background(), b)
	if failure.KindOf(err) != failure.KindGraphLogic {
		t.Fatalf("got %v want graph_logic", err)
	}
	var fe *failure.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected classified error, got %T", err)
	}
}
