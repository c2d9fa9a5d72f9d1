package backoff

import (
	"testing"
	"time"
)

func TestExponentialGrowthAndCap(t *testing.T) {
	cfg := Config{Base: 5 * time.Second, Factor: 2.0, Max: 15 * time.Second}
	if got := Delay(1, cfg, ""); got != 5*time.Second {
		t.Fatalf("attempt 1: got %v want 5s", got)
	}
	if got := Delay(2, cfg, ""); got != 10*time.Second {
		t.Fatalf("attempt 2: got %v want 10s", got)
	}
	// 20s capped to 15s.
	if got := Delay(3, cfg, ""); got != 15*time.Second {
		t.Fatalf("attempt 3: got %v want 15s", got)
	}
	if got := Delay(9, cfg, ""); got != 15*time.Second {
		t.Fatalf("attempt 9: got %v want 15s", got)
	}
}

func TestJitterDeterministicAndBounded(t *testing.T) {
	cfg := Config{Base: 100 * time.Millisecond, Factor: 1.0, Max: time.Second, JitterFrac: 0.2}
	d1 := Delay(1, cfg, "seed-a")
	d2 := Delay(1, cfg, "seed-a")
	if d1 != d2 {
		t.Fatalf("same seed must give same delay: %v vs %v", d1, d2)
	}
	lo, hi := 80*time.Millisecond, 120*time.Millisecond
	if d1 < lo || d1 > hi {
		t.Fatalf("delay out of jitter range: %v not in [%v, %v]", d1, lo, hi)
	}
	d3 := Delay(1, cfg, "seed-b")
	if d3 < lo || d3 > hi {
		t.Fatalf("delay out of jitter range: %v not in [%v, %v]", d3, lo, hi)
	}
	if d3 == d1 {
		t.Fatalf("different seeds should jitter differently")
	}
}

func TestZeroBaseMeansNoDelay(t *testing.T) {
	if got := Delay(3, Config{}, "x"); got != 0 {
		t.Fatalf("got %v want 0", got)
	}
}
