package progress

import (
	"testing"
)

func TestPublishAndSnapshot(t *testing.T) {
	h := NewHub()
	if _, ok := h.Snapshot("P1"); ok {
		t.Fatalf("snapshot before publish")
	}
	h.Publish(Event{ProcessID: "P1", Stage: "VALIDATED", Percent: 10})
	h.Publish(Event{ProcessID: "P1", Stage: "EXTRACTED", Percent: 50, Counts: Counts{Entities: 3}})

	ev, ok := h.Snapshot("P1")
	if !ok || ev.Stage != "EXTRACTED" || ev.Counts.Entities != 3 {
		t.Fatalf("snapshot: %+v %v", ev, ok)
	}
}

func TestSubscribeOrderedDelivery(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("P1")
	defer unsub()

	stages := []string{"NEW", "VALIDATED", "INDEX_UPLOADED", "EXTRACTED"}
	for i, s := range stages {
		h.Publish(Event{ProcessID: "P1", Stage: s, Percent: i * 25})
	}
	for _, want := range stages {
		got := <-ch
		if got.Stage != want {
			t.Fatalf("stage: got %s want %s", got.Stage, want)
		}
	}
}

func TestSubscribeReplaysLatest(t *testing.T) {
	h := NewHub()
	h.Publish(Event{ProcessID: "P1", Stage: "STAGED", Percent: 80})

	ch, unsub := h.Subscribe("P1")
	defer unsub()
	got := <-ch
	if got.Stage != "STAGED" {
		t.Fatalf("replay: %+v", got)
	}
}

func TestSlowSubscriberGetsMissedMarker(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("P1")
	defer unsub()

	// Overflow the buffer without draining.
	total := subscriberBuffer + 5
	for i := 0; i < total; i++ {
		h.Publish(Event{ProcessID: "P1", Stage: "EXTRACTED", Percent: i})
	}
	// Drain the buffered events.
	for i := 0; i < subscriberBuffer; i++ {
		ev := <-ch
		if ev.Missed != 0 {
			t.Fatalf("marker before overflow point: %+v", ev)
		}
	}
	// The next publish flushes the marker first, then the live event.
	h.Publish(Event{ProcessID: "P1", Stage: "STAGED", Percent: 90})
	marker := <-ch
	if marker.Missed != 5 {
		t.Fatalf("missed: got %d want 5", marker.Missed)
	}
	live := <-ch
	if live.Stage != "STAGED" || live.Missed != 0 {
		t.Fatalf("live after marker: %+v", live)
	}
}

func TestFinishClosesSubscribers(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("P1")
	defer unsub()

	h.Publish(Event{ProcessID: "P1", Stage: "COMMITTED", Percent: 100})
	h.Finish("P1")

	if ev := <-ch; ev.Stage != "COMMITTED" {
		t.Fatalf("final event: %+v", ev)
	}
	if _, open := <-ch; open {
		t.Fatalf("channel still open after Finish")
	}
	// Snapshot survives Finish.
	if ev, ok := h.Snapshot("P1"); !ok || ev.Stage != "COMMITTED" {
		t.Fatalf("snapshot after finish: %+v %v", ev, ok)
	}
}
