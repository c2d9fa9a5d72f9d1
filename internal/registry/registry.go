// Package registry is the durable map of process id to document state.
// Writes are append-only transition events; the current state is the tail.
// The registry survives a crash at any point and reconstructs on open.
package registry

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// State is a document's position in the processing lifecycle.
type State string

const (
	StateNew            State = "NEW"
	StateValidated      State = "VALIDATED"
	StateIndexUploaded  State = "INDEX_UPLOADED"
	StateExtracted      State = "EXTRACTED"
	StateStaged         State = "STAGED"
	StateCommitted      State = "COMMITTED"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateDeadLettered   State = "DEAD_LETTERED"
	StateCancelled      State = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed (except the
// explicit dead-letter retry path).
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateDeadLettered || s == StateCancelled
}

// happyNext is the forward progression; every state may additionally move to
// RETRY_SCHEDULED, DEAD_LETTERED or CANCELLED.
var happyNext = map[State]State{
	StateNew:           StateValidated,
	StateValidated:     StateIndexUploaded,
	StateIndexUploaded: StateExtracted,
	StateExtracted:     StateStaged,
	StateStaged:        StateCommitted,
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateRetryScheduled || to == StateDeadLettered || to == StateCancelled {
		return true
	}
	if from == StateRetryScheduled {
		// The DLQ worker resumes at the state the failure interrupted.
		_, ok := happyNext[to]
		return ok || to == StateCommitted
	}
	return happyNext[from] == to
}

// Transition is one append-only event record.
type Transition struct {
	From  State     `msgpack:"from"`
	To    State     `msgpack:"to"`
	At    time.Time `msgpack:"at"`
	Error string    `msgpack:"error,omitempty"`
}

// Document is the per-process metadata written at accept time.
type Document struct {
	ProcessID      string    `msgpack:"process_id"`
	ContentHash    string    `msgpack:"content_hash"`
	SourceName     string    `msgpack:"source_name"`
	Format         string    `msgpack:"format"`
	RetrievalDocID string    `msgpack:"retrieval_doc_id,omitempty"`
	CreatedAt      time.Time `msgpack:"created_at"`
}

var (
	bucketEvents = []byte("events") // per-process sub-bucket of seq -> Transition
	bucketMeta   = []byte("meta")   // process_id -> Document
	bucketByHash = []byte("by_hash")
)

// Registry is the process registry. One writer per process id; reads serve
// from the reconstructed in-memory tail.
type Registry struct {
	db *bolt.DB

	mu     sync.RWMutex
	states map[string]State
	docs   map[string]Document
	byHash map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	r := &Registry{
		db:     db,
		states: map[string]State{},
		docs:   map[string]Document{},
		byHash: map[string]string{},
		locks:  map[string]*sync.Mutex{},
		now:    time.Now,
	}
	if err := r.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// SetClock overrides the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) load() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketMeta, bucketByHash} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var d Document
			if err := msgpack.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode document %s: %w", k, err)
			}
			r.docs[d.ProcessID] = d
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByHash).ForEach(func(k, v []byte) error {
			r.byHash[string(k)] = string(v)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).ForEachBucket(func(k []byte) error {
			pb := tx.Bucket(bucketEvents).Bucket(k)
			c := pb.Cursor()
			tk, tv := c.Last()
			if tk == nil {
				return nil
			}
			var tr Transition
			if err := msgpack.Unmarshal(tv, &tr); err != nil {
				return fmt.Errorf("decode transition %s: %w", k, err)
			}
			r.states[string(k)] = tr.To
			return nil
		})
	})
}

func (r *Registry) lockFor(processID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	m, ok := r.locks[processID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[processID] = m
	}
	return m
}

// Create registers a new document in state NEW and indexes its content hash.
func (r *Registry) Create(doc Document) error {
	mu := r.lockFor(doc.ProcessID)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	_, exists := r.states[doc.ProcessID]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("registry: process %s already exists", doc.ProcessID)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now()
	}

	tr := Transition{From: StateNew, To: StateNew, At: r.now()}
	err := r.db.Update(func(tx *bolt.Tx) error {
		mb, err := msgpack.Marshal(doc)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put([]byte(doc.ProcessID), mb); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByHash).Put([]byte(doc.ContentHash), []byte(doc.ProcessID)); err != nil {
			return err
		}
		return appendEvent(tx, doc.ProcessID, tr)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.states[doc.ProcessID] = StateNew
	r.docs[doc.ProcessID] = doc
	r.byHash[doc.ContentHash] = doc.ProcessID
	r.mu.Unlock()
	return nil
}

func appendEvent(tx *bolt.Tx, processID string, tr Transition) error {
	pb, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(processID))
	if err != nil {
		return err
	}
	seq, err := pb.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	b, err := msgpack.Marshal(tr)
	if err != nil {
		return err
	}
	return pb.Put(key, b)
}

// Apply appends a state transition. The from side is always the current
// state; disallowed transitions are rejected.
func (r *Registry) Apply(processID string, to State, errMsg string) error {
	mu := r.lockFor(processID)
	mu.Lock()
	defer mu.Unlock()
	return r.apply(processID, to, errMsg, false)
}

// RetryDead re-opens a dead-lettered document. This is the only path out of
// DEAD_LETTERED and always requires an explicit operator call.
func (r *Registry) RetryDead(processID string) error {
	mu := r.lockFor(processID)
	mu.Lock()
	defer mu.Unlock()
	return r.apply(processID, StateNew, "", true)
}

func (r *Registry) apply(processID string, to State, errMsg string, fromDead bool) error {
	r.mu.RLock()
	cur, ok := r.states[processID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown process %s", processID)
	}
	if fromDead {
		if cur != StateDeadLettered {
			return fmt.Errorf("registry: process %s is %s, not DEAD_LETTERED", processID, cur)
		}
	} else if !allowed(cur, to) {
		return fmt.Errorf("registry: illegal transition %s -> %s for %s", cur, to, processID)
	}
	tr := Transition{From: cur, To: to, At: r.now(), Error: errMsg}
	err := r.db.Update(func(tx *bolt.Tx) error {
		return appendEvent(tx, processID, tr)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.states[processID] = to
	r.mu.Unlock()
	return nil
}

// SetRetrievalDocID records the retrieval index id once upload completes.
func (r *Registry) SetRetrievalDocID(processID, docID string) error {
	mu := r.lockFor(processID)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	doc, ok := r.docs[processID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown process %s", processID)
	}
	doc.RetrievalDocID = docID
	err := r.db.Update(func(tx *bolt.Tx) error {
		b, err := msgpack.Marshal(doc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(processID), b)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.docs[processID] = doc
	r.mu.Unlock()
	return nil
}

// StateOf returns the current state of a process.
func (r *Registry) StateOf(processID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[processID]
	return s, ok
}

// DocumentOf returns the metadata of a process.
func (r *Registry) DocumentOf(processID string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[processID]
	return d, ok
}

// ByHash returns the process id previously assigned to a content hash.
func (r *Registry) ByHash(contentHash string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHash[contentHash]
	return id, ok
}

// History returns all transitions for a process in append order.
func (r *Registry) History(processID string) ([]Transition, error) {
	var out []Transition
	err := r.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketEvents).Bucket([]byte(processID))
		if pb == nil {
			return nil
		}
		return pb.ForEach(func(k, v []byte) error {
			var tr Transition
			if err := msgpack.Unmarshal(v, &tr); err != nil {
				return err
			}
			out = append(out, tr)
			return nil
		})
	})
	return out, err
}

// ProcessInfo pairs an id with its current state for listings.
type ProcessInfo struct {
	ProcessID string
	State     State
	Document  Document
}

// List returns every known process sorted by id.
func (r *Registry) List() []ProcessInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProcessInfo, 0, len(r.states))
	for id, s := range r.states {
		out = append(out, ProcessInfo{ProcessID: id, State: s, Document: r.docs[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out
}

// NonTerminal returns processes whose documents still need driving, for
// startup resume.
func (r *Registry) NonTerminal() []ProcessInfo {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if !p.State.Terminal() {
			out = append(out, p)
		}
	}
	return out
}

// Compact collapses the event log of terminal documents whose last
// transition is older than the cutoff down to the single tail record.
// Returns the number of processes compacted.
func (r *Registry) Compact(olderThan time.Time) (int, error) {
	compacted := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		var targets []string
		if err := events.ForEachBucket(func(k []byte) error {
			id := string(k)
			r.mu.RLock()
			s := r.states[id]
			r.mu.RUnlock()
			if !s.Terminal() {
				return nil
			}
			pb := events.Bucket(k)
			if pb.Stats().KeyN <= 1 {
				return nil
			}
			tk, tv := pb.Cursor().Last()
			if tk == nil {
				return nil
			}
			var tr Transition
			if err := msgpack.Unmarshal(tv, &tr); err != nil {
				return err
			}
			if tr.At.Before(olderThan) {
				targets = append(targets, id)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, id := range targets {
			pb := events.Bucket([]byte(id))
			tk, tv := pb.Cursor().Last()
			tail := append([]byte(nil), tv...)
			tailKey := append([]byte(nil), tk...)
			c := pb.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) == string(tailKey) {
					continue
				}
				if err := c.Delete(); err != nil {
					return err
				}
			}
			if err := pb.Put(tailKey, tail); err != nil {
				return err
			}
			compacted++
		}
		return nil
	})
	return compacted, err
}
