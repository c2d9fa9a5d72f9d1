package dlq

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crewbrain/crewbrain/internal/failure"
)

func testQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "dlq.db"), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestEnqueueSchedulesFirstRetryAtBaseBackoff(t *testing.T) {
	q := testQueue(t, Config{BaseBackoff: 5 * time.Second, MaxBackoff: time.Hour})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	e, err := q.Enqueue(Entry{
		OperationKind: OpExtract,
		ProcessID:     "P1",
		FailureKind:   failure.KindBackend5xx,
		LastError:     "503",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if e.AttemptCount != 1 {
		t.Fatalf("attempt_count: got %d want 1", e.AttemptCount)
	}
	delay := e.NextAttemptAt.Sub(now)
	if delay < 4*time.Second || delay > 6*time.Second {
		t.Fatalf("first delay: got %v want 5s +/- 20%%", delay)
	}
	// Not yet due.
	due, err := q.Due()
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("due: got %d entries want 0", len(due))
	}
	// Due after the delay elapses.
	q.SetClock(func() time.Time { return now.Add(7 * time.Second) })
	due, _ = q.Due()
	if len(due) != 1 || due[0].ID != e.ID {
		t.Fatalf("due after delay: got %+v", due)
	}
}

func TestRescheduleBacksOffExponentially(t *testing.T) {
	q := testQueue(t, Config{BaseBackoff: 5 * time.Second, MaxBackoff: time.Hour, MaxAttempts: 8})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	e, _ := q.Enqueue(Entry{OperationKind: OpExtract, ProcessID: "P1", FailureKind: failure.KindBackend5xx})

	// Failure 2 -> 10s +/- 20%, failure 3 -> 20s +/- 20%.
	wants := []time.Duration{10 * time.Second, 20 * time.Second}
	for i, want := range wants {
		after, err := q.Reschedule(e.ID, Outcome{Err: failure.Newf(failure.KindBackend5xx, "extract", "503")})
		if err != nil {
			t.Fatalf("reschedule %d: %v", i, err)
		}
		if after.AttemptCount != i+2 {
			t.Fatalf("reschedule %d: attempt_count got %d want %d", i, after.AttemptCount, i+2)
		}
		delay := after.NextAttemptAt.Sub(now)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if delay < lo || delay > hi {
			t.Fatalf("reschedule %d: delay %v not in [%v, %v]", i, delay, lo, hi)
		}
	}

	// Success deletes.
	if _, err := q.Reschedule(e.ID, Outcome{}); err != nil {
		t.Fatalf("success reschedule: %v", err)
	}
	if _, err := q.Get(e.ID); err == nil {
		t.Fatalf("entry should be deleted after success")
	}
}

func TestBreakerOpenDoesNotConsumeAttempts(t *testing.T) {
	q := testQueue(t, Config{BaseBackoff: 5 * time.Second, MaxBackoff: time.Hour, MaxAttempts: 3})
	e, _ := q.Enqueue(Entry{OperationKind: OpCommit, ProcessID: "P1", FailureKind: failure.KindBackend5xx})

	for i := 0; i < 10; i++ {
		after, err := q.Reschedule(e.ID, Outcome{Err: failure.Newf(failure.KindBreakerOpen, "graph_tx", "open")})
		if err != nil {
			t.Fatal(err)
		}
		if after.AttemptCount != 1 {
			t.Fatalf("iteration %d: attempt_count got %d want 1", i, after.AttemptCount)
		}
		if after.Terminal {
			t.Fatalf("iteration %d: breaker_open must not dead-letter", i)
		}
	}
}

func TestMaxAttemptsMakesTerminal(t *testing.T) {
	q := testQueue(t, Config{BaseBackoff: time.Millisecond, MaxBackoff: time.Second, MaxAttempts: 3})
	e, _ := q.Enqueue(Entry{OperationKind: OpUpload, ProcessID: "P1", FailureKind: failure.KindUnknown})

	var after Entry
	var err error
	for i := 0; i < 2; i++ {
		after, err = q.Reschedule(e.ID, Outcome{Err: failure.Newf(failure.KindUnknown, "upload", "???")})
		if err != nil {
			t.Fatal(err)
		}
	}
	if !after.Terminal {
		t.Fatalf("expected terminal after %d attempts", after.AttemptCount)
	}
	if after.AttemptCount != 3 {
		t.Fatalf("attempt_count: got %d want 3", after.AttemptCount)
	}
}

func TestNonRetryableIsTerminalImmediately(t *testing.T) {
	q := testQueue(t, Config{})
	e, err := q.Enqueue(Entry{OperationKind: OpExtract, ProcessID: "P1", FailureKind: failure.KindExtractionSchema})
	if err != nil {
		t.Fatal(err)
	}
	if !e.Terminal {
		t.Fatalf("extraction_schema must enqueue terminal")
	}
	due, _ := q.Due()
	if len(due) != 0 {
		t.Fatalf("terminal entries must not become due")
	}
}

func TestRetryNowRefusesTerminalWithoutForce(t *testing.T) {
	q := testQueue(t, Config{})
	e, _ := q.Enqueue(Entry{OperationKind: OpExtract, ProcessID: "P1", FailureKind: failure.KindExtractionSchema})
	if _, err := q.RetryNow(e.ID, false); err == nil {
		t.Fatalf("expected refusal for terminal entry")
	}
	re, err := q.RetryNow(e.ID, true)
	if err != nil {
		t.Fatalf("forced retry: %v", err)
	}
	if re.Terminal {
		t.Fatalf("forced retry should clear terminal")
	}
	due, _ := q.Due()
	if len(due) != 1 {
		t.Fatalf("due: got %d want 1", len(due))
	}
}

func TestDiscardRemovesEntry(t *testing.T) {
	q := testQueue(t, Config{})
	e, _ := q.Enqueue(Entry{OperationKind: OpCommit, ProcessID: "P1", FailureKind: failure.KindTimeout})
	if err := q.Discard(e.ID); err != nil {
		t.Fatal(err)
	}
	list, _ := q.List()
	if len(list) != 0 {
		t.Fatalf("list after discard: got %d entries", len(list))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dlq.db")
	q, err := Open(path, Config{})
	if err != nil {
		t.Fatal(err)
	}
	e, _ := q.Enqueue(Entry{OperationKind: OpUpload, ProcessID: "P9", FailureKind: failure.KindTimeout, LastError: "deadline"})
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q2, err := Open(path, Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = q2.Close() }()
	got, err := q2.Get(e.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.ProcessID != "P9" || got.OperationKind != OpUpload || got.LastError != "deadline" {
		t.Fatalf("entry round-trip mismatch: %+v", got)
	}
}

func TestWorkerDrainsDueAndDeletesOnSuccess(t *testing.T) {
	q := testQueue(t, Config{BaseBackoff: time.Millisecond, MaxBackoff: time.Second})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })
	e, _ := q.Enqueue(Entry{OperationKind: OpExtract, ProcessID: "P1", FailureKind: failure.KindTimeout})
	q.SetClock(func() time.Time { return now.Add(time.Minute) })

	replayed := 0
	w := NewWorker(q, func(ctx context.Context, got Entry) error {
		replayed++
		if got.ID != e.ID {
			t.Fatalf("replayed wrong entry: %s", got.ID)
		}
		return nil
	}, time.Millisecond, testLog())
	w.Drain(context.Background())

	if replayed != 1 {
		t.Fatalf("replayed: got %d want 1", replayed)
	}
	list, _ := q.List()
	if len(list) != 0 {
		t.Fatalf("queue should be empty after successful replay")
	}
}

func TestWorkerMarksTerminalAndNotifies(t *testing.T) {
	q := testQueue(t, Config{BaseBackoff: time.Millisecond, MaxBackoff: time.Second, MaxAttempts: 2})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })
	_, _ = q.Enqueue(Entry{OperationKind: OpExtract, ProcessID: "P1", FailureKind: failure.KindTimeout})
	q.SetClock(func() time.Time { return now.Add(time.Minute) })

	var terminal []Entry
	w := NewWorker(q, func(ctx context.Context, got Entry) error {
		return failure.Newf(failure.KindTimeout, "extract", "still down")
	}, time.Millisecond, testLog())
	w.OnTerminal = func(e Entry) { terminal = append(terminal, e) }
	w.Drain(context.Background())

	if len(terminal) != 1 {
		t.Fatalf("terminal notifications: got %d want 1", len(terminal))
	}
	if terminal[0].AttemptCount != 2 {
		t.Fatalf("terminal attempt_count: got %d want 2", terminal[0].AttemptCount)
	}
}
