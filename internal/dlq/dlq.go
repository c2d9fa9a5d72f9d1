// Package dlq is the durable dead-letter queue. Failed operations are
// appended with a classified failure kind; a retry worker drains due entries
// with exponential seeded-jitter backoff. The queue is the authoritative
// source for in-flight retries across restarts.
package dlq

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/crewbrain/crewbrain/internal/backoff"
	"github.com/crewbrain/crewbrain/internal/failure"
)

// OperationKind names the pipeline step whose failure is queued.
type OperationKind string

const (
	OpExtract OperationKind = "EXTRACT"
	OpUpload  OperationKind = "UPLOAD"
	OpCommit  OperationKind = "COMMIT"
)

// Entry is one queued failed operation. ProcessID is the replay payload: the
// orchestrator resumes the document from its registry state, so the queue
// carries no operation arguments of its own.
type Entry struct {
	ID            string        `msgpack:"id"`
	OperationKind OperationKind `msgpack:"operation_kind"`
	ProcessID     string        `msgpack:"process_id"`
	FailureKind   failure.Kind  `msgpack:"failure_kind"`
	AttemptCount  int           `msgpack:"attempt_count"`
	NextAttemptAt time.Time     `msgpack:"next_attempt_at"`
	FirstSeenAt   time.Time     `msgpack:"first_seen_at"`
	LastError     string        `msgpack:"last_error"`
	// Terminal entries are kept for operator inspection until discarded.
	Terminal bool `msgpack:"terminal"`
}

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
}

var bucketEntries = []byte("entries")

// Queue is a bbolt-backed DLQ. Every mutation is a synced transaction, so an
// acknowledged enqueue survives a crash.
type Queue struct {
	db  *bolt.DB
	cfg Config
	now func() time.Time
}

func Open(path string, cfg Config) (*Queue, error) {
	cfg.applyDefaults()
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dlq %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// SetClock overrides the queue clock. Test hook.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue appends a new entry. The entry id is assigned when empty; the
// first attempt is scheduled according to the failure kind.
func (q *Queue) Enqueue(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	now := q.now()
	if e.FirstSeenAt.IsZero() {
		e.FirstSeenAt = now
	}
	if !e.FailureKind.Retryable() {
		e.Terminal = true
	}
	// The failure that caused the enqueue is attempt one.
	if e.AttemptCount == 0 && e.FailureKind.CountsAttempt() {
		e.AttemptCount = 1
	}
	if e.NextAttemptAt.IsZero() && !e.Terminal {
		e.NextAttemptAt = now.Add(q.delayFor(e))
	}
	return e, q.put(e)
}

// Due returns non-terminal entries whose next attempt time has arrived,
// oldest first.
func (q *Queue) Due() ([]Entry, error) {
	now := q.now()
	var out []Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode dlq entry %s: %w", k, err)
			}
			if !e.Terminal && !e.NextAttemptAt.After(now) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out, nil
}

// Outcome reports the result of replaying an entry.
type Outcome struct {
	// Err is nil on success. Its classified kind decides the reschedule.
	Err error
}

// Reschedule applies the retry policy after a replay attempt:
// success deletes the entry; a non-retryable kind marks it terminal;
// breaker-open reschedules after the base delay without consuming an
// attempt; other retryable kinds consume an attempt and back off
// exponentially until max_attempts makes the entry terminal.
func (q *Queue) Reschedule(id string, outcome Outcome) (Entry, error) {
	e, err := q.Get(id)
	if err != nil {
		return Entry{}, err
	}
	if outcome.Err == nil {
		return e, q.delete(id)
	}

	kind := failure.KindOf(outcome.Err)
	e.FailureKind = kind
	e.LastError = outcome.Err.Error()

	switch {
	case !kind.Retryable():
		e.Terminal = true
	case !kind.CountsAttempt():
		// Breaker open: short delay, attempt budget untouched.
		e.NextAttemptAt = q.now().Add(q.cfg.BaseBackoff)
	default:
		e.AttemptCount++
		if e.AttemptCount >= q.cfg.MaxAttempts {
			e.Terminal = true
		} else {
			e.NextAttemptAt = q.now().Add(q.delayFor(e))
		}
	}
	return e, q.put(e)
}

func (q *Queue) delayFor(e Entry) time.Duration {
	attempt := e.AttemptCount
	if attempt < 1 {
		attempt = 1
	}
	return backoff.Delay(attempt, backoff.Config{
		Base:       q.cfg.BaseBackoff,
		Factor:     2.0,
		Max:        q.cfg.MaxBackoff,
		JitterFrac: 0.2,
	}, fmt.Sprintf("%s:%d", e.ID, attempt))
}

// List returns every entry, terminal included, oldest first.
func (q *Queue) List() ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode dlq entry %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

func (q *Queue) Get(id string) (Entry, error) {
	var e Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("dlq entry not found: %s", id)
		}
		return msgpack.Unmarshal(v, &e)
	})
	return e, err
}

// Discard removes an entry regardless of state. Operator control.
func (q *Queue) Discard(id string) error {
	return q.delete(id)
}

// RetryNow re-arms an entry for immediate replay. Terminal entries are
// refused unless force is set; an entry that was dead-lettered for a
// non-retryable failure needs an operator fix first.
func (q *Queue) RetryNow(id string, force bool) (Entry, error) {
	e, err := q.Get(id)
	if err != nil {
		return Entry{}, err
	}
	if e.Terminal && !force {
		return Entry{}, fmt.Errorf("entry %s is terminal (%s); use force to retry", id, e.FailureKind)
	}
	e.Terminal = false
	e.NextAttemptAt = q.now()
	return e, q.put(e)
}

func (q *Queue) put(e Entry) error {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.ID), b)
	})
}

func (q *Queue) delete(id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(id))
	})
}

func (e Entry) String() string {
	parts := []string{string(e.OperationKind), e.ProcessID, string(e.FailureKind), fmt.Sprintf("attempts=%d", e.AttemptCount)}
	if e.Terminal {
		parts = append(parts, "terminal")
	}
	return strings.Join(parts, " ")
}
