package failure

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTimeout, true},
		{KindBackend5xx, true},
		{KindBreakerOpen, true},
		{KindUnknown, true},
		{KindValidation, false},
		{KindExtractionSchema, false},
		{KindGraphLogic, false},
		{KindCancelled, false},
	}
	for _, c := range cases {
		if got := c.kind.Retryable(); got != c.want {
			t.Fatalf("%s: Retryable() = %v want %v", c.kind, got, c.want)
		}
	}
}

func TestBreakerOpenDoesNotCountAttempt(t *testing.T) {
	if KindBreakerOpen.CountsAttempt() {
		t.Fatalf("breaker_open must not consume an attempt")
	}
	if !KindTimeout.CountsAttempt() {
		t.Fatalf("timeout must consume an attempt")
	}
}

func TestTripsBreakerOnlyConnectivity(t *testing.T) {
	for _, k := range []Kind{KindTimeout, KindBackend5xx} {
		if !k.TripsBreaker() {
			t.Fatalf("%s should trip the breaker", k)
		}
	}
	for _, k := range []Kind{KindValidation, KindGraphLogic, KindExtractionSchema, KindBreakerOpen, KindCancelled, KindUnknown} {
		if k.TripsBreaker() {
			t.Fatalf("%s should not trip the breaker", k)
		}
	}
}

func TestKindOfUnwrapsChain(t *testing.T) {
	base := New(KindExtractionSchema, "extract", errors.New("missing entities"))
	wrapped := fmt.Errorf("document abc: %w", base)
	if got := KindOf(wrapped); got != KindExtractionSchema {
		t.Fatalf("KindOf(wrapped) = %s want %s", got, KindExtractionSchema)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("KindOf(deadline) = %s want %s", got, KindTimeout)
	}
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Fatalf("KindOf(canceled) = %s want %s", got, KindCancelled)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf(plain) = %s want %s", got, KindUnknown)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{500, KindBackend5xx},
		{502, KindBackend5xx},
		{503, KindBackend5xx},
		{504, KindTimeout},
		{408, KindTimeout},
		{400, KindValidation},
		{422, KindValidation},
		{404, KindValidation},
		{208, KindUnknown},
	}
	for _, c := range cases {
		if got := FromHTTPStatus("upload", c.status, "x").Kind; got != c.want {
			t.Fatalf("status %d: got %s want %s", c.status, got, c.want)
		}
	}
}

func TestFromTransport(t *testing.T) {
	if got := FromTransport("graph_tx", syscall.ECONNREFUSED).Kind; got != KindBackend5xx {
		t.Fatalf("ECONNREFUSED: got %s want %s", got, KindBackend5xx)
	}
	if got := FromTransport("graph_tx", context.DeadlineExceeded).Kind; got != KindTimeout {
		t.Fatalf("deadline: got %s want %s", got, KindTimeout)
	}
	// Already-classified errors pass through unchanged.
	pre := New(KindGraphLogic, "graph_tx", errors.New("constraint"))
	if got := FromTransport("graph_tx", fmt.Errorf("wrap: %w", pre)).Kind; got != KindGraphLogic {
		t.Fatalf("pre-classified: got %s want %s", got, KindGraphLogic)
	}
}
