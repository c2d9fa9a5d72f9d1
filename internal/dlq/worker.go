package dlq

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler replays one entry. A nil error deletes the entry; a classified
// error feeds the retry policy.
type Handler func(ctx context.Context, e Entry) error

// Worker drains due entries on a poll interval. Single writer: entries are
// replayed one at a time so the queue never races with itself.
type Worker struct {
	queue    *Queue
	handler  Handler
	interval time.Duration
	log      *logrus.Entry

	// OnTerminal, when set, is invoked after an entry becomes terminal.
	OnTerminal func(e Entry)
}

func NewWorker(queue *Queue, handler Handler, interval time.Duration, log *logrus.Entry) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{queue: queue, handler: handler, interval: interval, log: log}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain replays every currently-due entry once.
func (w *Worker) Drain(ctx context.Context) {
	due, err := w.queue.Due()
	if err != nil {
		w.log.WithError(err).Error("dlq scan failed")
		return
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		err := w.handler(ctx, e)
		after, rerr := w.queue.Reschedule(e.ID, Outcome{Err: err})
		if rerr != nil {
			w.log.WithError(rerr).WithField("entry", e.ID).Error("dlq reschedule failed")
			continue
		}
		fields := logrus.Fields{
			"entry":      e.ID,
			"process_id": e.ProcessID,
			"operation":  string(e.OperationKind),
			"attempts":   after.AttemptCount,
		}
		switch {
		case err == nil:
			w.log.WithFields(fields).Info("dlq entry replayed successfully")
		case after.Terminal:
			w.log.WithFields(fields).WithError(err).Warn("dlq entry is now terminal")
			if w.OnTerminal != nil {
				w.OnTerminal(after)
			}
		default:
			w.log.WithFields(fields).WithError(err).WithField(
				"next_attempt_at", after.NextAttemptAt.Format(time.RFC3339)).Debug("dlq entry rescheduled")
		}
	}
}
