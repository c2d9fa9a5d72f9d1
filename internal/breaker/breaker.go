// Package breaker is the fail-fast guard in front of the graph backend.
// The state machine (CLOSED/OPEN/HALF_OPEN, single half-open probe) is
// delegated to sony/gobreaker; this wrapper owns failure classification so
// that only connectivity/backend failures trip the breaker while logical
// errors pass through to the caller untouched.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/crewbrain/crewbrain/internal/failure"
)

type Config struct {
	// FailureThreshold is the number of consecutive breaker-countable
	// failures within the failure window that opens the breaker.
	FailureThreshold int
	// FailureWindow is the counting interval while CLOSED.
	FailureWindow time.Duration
	// Cooldown is the OPEN -> HALF_OPEN delay.
	Cooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

// Stats is the observable breaker snapshot used by health reporting and DLQ
// decisions.
type Stats struct {
	State           string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	OpenedAt        time.Time    `json:"opened_at,omitempty"`
	LastFailureKind failure.Kind `json:"last_failure_kind,omitempty"`
}

// Breaker guards calls to a single target.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *logrus.Entry

	mu              sync.Mutex
	openedAt        time.Time
	lastFailureKind failure.Kind
}

func New(name string, cfg Config, log *logrus.Entry) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// HALF_OPEN admits exactly one concurrent probe.
		MaxRequests: 1,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.Cooldown,
		// A success while CLOSED resets the failure count, so only an
		// unbroken run of countable failures opens the breaker.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.FailureThreshold
		},
		// Only connectivity/backend failures count against the breaker.
		// The underlying error is still returned to the caller either way.
		IsSuccessful: func(err error) bool {
			return err == nil || !failure.KindOf(err).TripsBreaker()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now().UTC()
			}
			b.mu.Unlock()
			if b.log != nil {
				b.log.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("breaker state change")
			}
		},
	})
	return b
}

// Execute runs op under the breaker. When the breaker is open (or the
// half-open probe slot is taken) it returns a KindBreakerOpen failure
// without invoking op.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return failure.New(failure.KindBreakerOpen, b.cb.Name(), err)
	}
	if k := failure.KindOf(err); k.TripsBreaker() {
		b.mu.Lock()
		b.lastFailureKind = k
		b.mu.Unlock()
	}
	return err
}

// State returns the current breaker state as CLOSED/OPEN/HALF_OPEN.
func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	openedAt := b.openedAt
	lastKind := b.lastFailureKind
	b.mu.Unlock()
	counts := b.cb.Counts()
	return Stats{
		State:           stateName(b.cb.State()),
		FailureCount:    int(counts.ConsecutiveFailures),
		OpenedAt:        openedAt,
		LastFailureKind: lastKind,
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}
