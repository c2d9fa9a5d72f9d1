package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crewbrain/crewbrain/internal/backoff"
	"github.com/crewbrain/crewbrain/internal/breaker"
	"github.com/crewbrain/crewbrain/internal/failure"
)

const (
	txDeadlockAttempts = 3
	txDeadlockBase     = 50 * time.Millisecond
)

// TxManager stages a batch of graph writes and attempts an atomic commit
// through the circuit breaker. A batch is observable atomically: either
// every node and edge appears, or none does.
type TxManager struct {
	store   Store
	brk     *breaker.Breaker
	timeout time.Duration
	log     *logrus.Entry
}

func NewTxManager(store Store, brk *breaker.Breaker, timeout time.Duration, log *logrus.Entry) *TxManager {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TxManager{store: store, brk: brk, timeout: timeout, log: log}
}

// Commit sorts the batch into canonical order and executes it in a single
// backend transaction. Deadlocks are retried up to three times with
// exponential jitter; everything else surfaces classified. A breaker-open
// rejection surfaces as KindBreakerOpen without touching the backend.
func (m *TxManager) Commit(ctx context.Context, batch *Batch) (*TxResult, error) {
	if batch == nil || batch.OpCount() == 0 {
		return &TxResult{}, nil
	}
	batch.Sort()

	var res *TxResult
	for attempt := 1; ; attempt++ {
		err := m.brk.Execute(func() error {
			tctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			session, err := m.store.Session(tctx)
			if err != nil {
				return failure.FromTransport("graph_tx", err)
			}
			defer func() { _ = session.Close() }()

			r, err := session.RunTx(tctx, batch)
			if err != nil {
				if errors.Is(err, ErrDeadlock) {
					return err
				}
				return failure.FromTransport("graph_tx", err)
			}
			res = r
			return nil
		})
		if err == nil {
			m.log.WithFields(logrus.Fields{
				"batch_id": batch.ID,
				"ops":      res.OpCount,
			}).Debug("batch committed")
			return res, nil
		}
		if errors.Is(err, ErrDeadlock) && attempt < txDeadlockAttempts {
			delay := backoff.Delay(attempt, backoff.Config{
				Base:       txDeadlockBase,
				Factor:     2.0,
				Max:        time.Second,
				JitterFrac: 0.2,
			}, fmt.Sprintf("%s:%d", batch.ID, attempt))
			m.log.WithFields(logrus.Fields{
				"batch_id": batch.ID,
				"attempt":  attempt,
				"delay":    delay.String(),
			}).Warn("graph tx deadlock, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, failure.FromTransport("graph_tx", context.Cause(ctx))
			}
		}
		if errors.Is(err, ErrDeadlock) {
			return nil, failure.New(failure.KindBackend5xx, "graph_tx", err)
		}
		return nil, err
	}
}
