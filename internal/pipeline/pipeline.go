// Package pipeline drives each accepted document through the processing
// state machine: validate, upload to the retrieval index, extract, bridge,
// commit to the graph. Every step is safe to re-enter, so crash recovery is
// re-reading the registry and resuming at the recorded state.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/crewbrain/crewbrain/internal/breaker"
	"github.com/crewbrain/crewbrain/internal/bridge"
	"github.com/crewbrain/crewbrain/internal/config"
	"github.com/crewbrain/crewbrain/internal/dlq"
	"github.com/crewbrain/crewbrain/internal/extract"
	"github.com/crewbrain/crewbrain/internal/failure"
	"github.com/crewbrain/crewbrain/internal/graph"
	"github.com/crewbrain/crewbrain/internal/index"
	"github.com/crewbrain/crewbrain/internal/progress"
	"github.com/crewbrain/crewbrain/internal/registry"
	"github.com/crewbrain/crewbrain/internal/validate"
)

// Deps wires the pipeline to its collaborators.
type Deps struct {
	Config    *config.File
	Registry  *registry.Registry
	Queue     *dlq.Queue
	Hub       *progress.Hub
	Index     index.Index
	Extractor extract.Extractor
	Graph     *graph.TxManager
	Breaker   *breaker.Breaker
	Bridge    *bridge.Bridge
	Log       *logrus.Entry
}

// AcceptResult is the synchronous answer to an accept call; processing
// continues in the background.
type AcceptResult struct {
	ProcessID   string          `json:"process_id"`
	ContentHash string          `json:"content_hash"`
	Format      validate.Format `json:"detected_format"`
}

var stagePercent = map[registry.State]int{
	registry.StateNew:           0,
	registry.StateValidated:     15,
	registry.StateIndexUploaded: 35,
	registry.StateExtracted:     60,
	registry.StateStaged:        80,
	registry.StateCommitted:     100,
}

// Pipeline is the per-document orchestrator.
type Pipeline struct {
	deps    Deps
	blobDir string
	sem     *semaphore.Weighted
	worker  *dlq.Worker

	acceptMu sync.Mutex

	mu      sync.Mutex
	runCtx  context.Context
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

func New(deps Deps) (*Pipeline, error) {
	blobDir := filepath.Join(deps.Config.DataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	p := &Pipeline{
		deps:    deps,
		blobDir: blobDir,
		sem:     semaphore.NewWeighted(int64(deps.Config.WorkerPoolSize)),
		runCtx:  context.Background(),
		cancels: map[string]context.CancelFunc{},
	}
	p.worker = dlq.NewWorker(deps.Queue, p.replay, deps.Config.DLQ.PollInterval(), deps.Log)
	p.worker.OnTerminal = p.onDeadLetter
	return p, nil
}

// Start resumes unfinished documents and runs the DLQ worker until the
// context is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()
	for _, info := range p.deps.Registry.NonTerminal() {
		// Retry-scheduled documents are owned by the DLQ worker.
		if info.State == registry.StateRetryScheduled {
			continue
		}
		p.deps.Log.WithFields(logrus.Fields{
			"process_id": info.ProcessID,
			"state":      string(info.State),
		}).Info("resuming document")
		p.spawn(info.ProcessID)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.worker.Run(ctx)
	}()
}

// Wait blocks until every background worker has returned. Call after the
// Start context is cancelled.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Accept validates a blob, registers it, and schedules processing.
// Idempotent by content hash: a duplicate of a live or committed document
// returns the original process id. A dead-lettered duplicate is refused
// until an operator retries it explicitly.
func (p *Pipeline) Accept(ctx context.Context, data []byte, sourceName string) (AcceptResult, error) {
	hash := contentHash(data)

	format, err := validate.Detect(data, sourceName)
	if err != nil {
		return AcceptResult{}, err
	}

	p.acceptMu.Lock()
	defer p.acceptMu.Unlock()

	if prior, ok := p.deps.Registry.ByHash(hash); ok {
		state, _ := p.deps.Registry.StateOf(prior)
		switch state {
		case registry.StateDeadLettered:
			return AcceptResult{}, failure.Newf(failure.KindValidation, "accept",
				"document %s is dead-lettered as %s; retry it explicitly", hash[:12], prior)
		case registry.StateCancelled:
			// A cancelled document may be re-accepted under a new id.
		default:
			doc, _ := p.deps.Registry.DocumentOf(prior)
			return AcceptResult{ProcessID: prior, ContentHash: hash, Format: validate.Format(doc.Format)}, nil
		}
	}

	processID := ulid.Make().String()
	if err := p.writeBlob(hash, data); err != nil {
		return AcceptResult{}, failure.New(failure.KindUnknown, "accept", err)
	}
	err = p.deps.Registry.Create(registry.Document{
		ProcessID:   processID,
		ContentHash: hash,
		SourceName:  sourceName,
		Format:      string(format),
	})
	if err != nil {
		return AcceptResult{}, failure.New(failure.KindUnknown, "accept", err)
	}
	p.publish(processID, registry.StateNew, "accepted", progress.Counts{}, "")
	p.spawn(processID)
	return AcceptResult{ProcessID: processID, ContentHash: hash, Format: format}, nil
}

// Cancel aborts a document. A running worker stops at its next safe point;
// a document parked in the DLQ is cancelled in place.
func (p *Pipeline) Cancel(processID string) error {
	p.mu.Lock()
	cancel, running := p.cancels[processID]
	p.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	state, ok := p.deps.Registry.StateOf(processID)
	if !ok {
		return fmt.Errorf("unknown process %s", processID)
	}
	if state.Terminal() {
		return fmt.Errorf("process %s is already %s", processID, state)
	}
	if err := p.deps.Registry.Apply(processID, registry.StateCancelled, "cancelled by operator"); err != nil {
		return err
	}
	p.discardEntries(processID)
	p.publish(processID, registry.StateCancelled, "cancelled", progress.Counts{}, "")
	p.deps.Hub.Finish(processID)
	return nil
}

// RetryDead re-opens a dead-lettered document and schedules it again.
func (p *Pipeline) RetryDead(processID string) error {
	if err := p.deps.Registry.RetryDead(processID); err != nil {
		return err
	}
	p.discardEntries(processID)
	p.publish(processID, registry.StateNew, "reopened by operator", progress.Counts{}, "")
	p.spawn(processID)
	return nil
}

// ReplayDue drains currently-due DLQ entries once. Exposed for the CLI and
// tests; the background worker does this continuously.
func (p *Pipeline) ReplayDue(ctx context.Context) { p.worker.Drain(ctx) }

func (p *Pipeline) spawn(processID string) {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		dctx, cancel := context.WithTimeout(ctx, p.deps.Config.Timeouts.Document())
		p.mu.Lock()
		p.cancels[processID] = cancel
		p.mu.Unlock()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.cancels, processID)
			p.mu.Unlock()
		}()

		_ = p.drive(dctx, processID, true)
	}()
}

// replay is the DLQ handler: re-drive the document and let the queue's
// retry policy judge the returned error.
func (p *Pipeline) replay(ctx context.Context, e dlq.Entry) error {
	dctx, cancel := context.WithTimeout(ctx, p.deps.Config.Timeouts.Document())
	p.mu.Lock()
	p.cancels[e.ProcessID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, e.ProcessID)
		p.mu.Unlock()
	}()
	return p.drive(dctx, e.ProcessID, false)
}

// onDeadLetter marks the document dead once its DLQ entry exhausts the
// attempt budget.
func (p *Pipeline) onDeadLetter(e dlq.Entry) {
	state, ok := p.deps.Registry.StateOf(e.ProcessID)
	if !ok || state.Terminal() {
		return
	}
	if err := p.deps.Registry.Apply(e.ProcessID, registry.StateDeadLettered, e.LastError); err != nil {
		p.deps.Log.WithError(err).WithField("process_id", e.ProcessID).Error("dead-letter transition failed")
		return
	}
	p.publish(e.ProcessID, registry.StateDeadLettered, "retries exhausted", progress.Counts{}, e.LastError)
	p.deps.Hub.Finish(e.ProcessID)
}

// drive advances a document until it reaches a terminal state or a step
// fails. enqueue controls whether a retryable failure opens a DLQ entry;
// the DLQ worker replays with enqueue=false and reschedules its own entry.
func (p *Pipeline) drive(ctx context.Context, processID string, enqueue bool) error {
	doc, ok := p.deps.Registry.DocumentOf(processID)
	if !ok {
		return fmt.Errorf("unknown process %s", processID)
	}

	var (
		res   *extract.Result
		batch *graph.Batch
	)

	for {
		state, _ := p.deps.Registry.StateOf(processID)
		if state.Terminal() {
			return nil
		}

		if state == registry.StateRetryScheduled {
			resume, err := p.resumeState(processID)
			if err != nil {
				return err
			}
			if err := p.deps.Registry.Apply(processID, resume, ""); err != nil {
				return err
			}
			continue
		}

		var (
			next   registry.State
			op     dlq.OperationKind
			stpErr error
			counts progress.Counts
		)
		switch state {
		case registry.StateNew:
			// Revalidate on resume; the blob on disk is authoritative. A
			// transient blob read failure rides the upload retry path.
			op, next = dlq.OpUpload, registry.StateValidated
			blob, err := p.readBlob(doc.ContentHash)
			if err == nil {
				_, err = validate.Detect(blob, doc.SourceName)
			}
			stpErr = err

		case registry.StateValidated:
			op, next = dlq.OpUpload, registry.StateIndexUploaded
			stpErr = p.stepUpload(ctx, &doc)

		case registry.StateIndexUploaded:
			op, next = dlq.OpExtract, registry.StateExtracted
			res, stpErr = p.stepExtract(ctx, doc)
			if res != nil {
				counts = progress.Counts{Entities: len(res.Entities), Relationships: len(res.Relationships)}
			}

		case registry.StateExtracted:
			if res == nil {
				// Crash recovery: the cached extractor response rebuilds
				// the in-memory result without a backend call.
				op = dlq.OpExtract
				res, stpErr = p.stepExtract(ctx, doc)
			}
			if stpErr == nil {
				var stats *bridge.Stats
				batch, stats = p.deps.Bridge.Build(processID, doc.RetrievalDocID, res)
				counts = progress.Counts{Entities: stats.Entities, Relationships: stats.Relationships}
				next = registry.StateStaged
			}

		case registry.StateStaged:
			op, next = dlq.OpCommit, registry.StateCommitted
			if batch == nil {
				if res == nil {
					res, stpErr = p.stepExtract(ctx, doc)
				}
				if stpErr == nil {
					batch, _ = p.deps.Bridge.Build(processID, doc.RetrievalDocID, res)
				}
			}
			if stpErr == nil {
				_, stpErr = p.deps.Graph.Commit(ctx, batch)
			}

		default:
			return fmt.Errorf("unexpected state %s for %s", state, processID)
		}

		if stpErr == nil {
			if err := p.deps.Registry.Apply(processID, next, ""); err != nil {
				return err
			}
			p.publish(processID, next, "", counts, "")
			if next == registry.StateCommitted {
				p.deps.Hub.Finish(processID)
			}
			continue
		}
		return p.fail(processID, state, op, stpErr, enqueue)
	}
}

func (p *Pipeline) fail(processID string, state registry.State, op dlq.OperationKind, stpErr error, enqueue bool) error {
	kind := failure.KindOf(stpErr)
	log := p.deps.Log.WithFields(logrus.Fields{
		"process_id": processID,
		"state":      string(state),
		"kind":       string(kind),
	})

	switch {
	case kind == failure.KindCancelled:
		if err := p.deps.Registry.Apply(processID, registry.StateCancelled, stpErr.Error()); err != nil {
			log.WithError(err).Error("cancel transition failed")
		}
		p.discardEntries(processID)
		p.publish(processID, registry.StateCancelled, "cancelled", progress.Counts{}, stpErr.Error())
		p.deps.Hub.Finish(processID)
		log.Info("document cancelled")

	case !kind.Retryable():
		if err := p.deps.Registry.Apply(processID, registry.StateDeadLettered, stpErr.Error()); err != nil {
			log.WithError(err).Error("dead-letter transition failed")
		}
		if enqueue && op != "" {
			p.enqueue(processID, op, stpErr)
		}
		p.publish(processID, registry.StateDeadLettered, "permanent failure", progress.Counts{}, stpErr.Error())
		p.deps.Hub.Finish(processID)
		log.WithError(stpErr).Warn("document dead-lettered")

	default:
		if err := p.deps.Registry.Apply(processID, registry.StateRetryScheduled, stpErr.Error()); err != nil {
			log.WithError(err).Error("retry transition failed")
		}
		if enqueue && op != "" {
			p.enqueue(processID, op, stpErr)
		}
		p.publish(processID, registry.StateRetryScheduled, "retry scheduled", progress.Counts{}, stpErr.Error())
		log.WithError(stpErr).Info("document scheduled for retry")
	}
	return stpErr
}

func (p *Pipeline) enqueue(processID string, op dlq.OperationKind, stpErr error) {
	_, err := p.deps.Queue.Enqueue(dlq.Entry{
		OperationKind: op,
		ProcessID:     processID,
		FailureKind:   failure.KindOf(stpErr),
		LastError:     stpErr.Error(),
	})
	if err != nil {
		p.deps.Log.WithError(err).WithField("process_id", processID).Error("dlq enqueue failed")
	}
}

// resumeState finds the state a retry-scheduled document was interrupted in.
func (p *Pipeline) resumeState(processID string) (registry.State, error) {
	hist, err := p.deps.Registry.History(processID)
	if err != nil {
		return "", err
	}
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].To == registry.StateRetryScheduled {
			return hist[i].From, nil
		}
	}
	return "", fmt.Errorf("no retry record for %s", processID)
}

func (p *Pipeline) stepUpload(ctx context.Context, doc *registry.Document) error {
	blob, err := p.readBlob(doc.ContentHash)
	if err != nil {
		return failure.New(failure.KindUnknown, "upload", err)
	}
	uctx, cancel := context.WithTimeout(ctx, p.deps.Config.Timeouts.Upload())
	defer cancel()
	docID, err := p.deps.Index.Upload(uctx, blob, index.Metadata{
		Filename:    doc.SourceName,
		ContentHash: doc.ContentHash,
	})
	if err != nil {
		return failure.FromTransport("upload", err)
	}
	if err := p.deps.Registry.SetRetrievalDocID(doc.ProcessID, docID); err != nil {
		return failure.New(failure.KindUnknown, "upload", err)
	}
	doc.RetrievalDocID = docID
	return nil
}

func (p *Pipeline) stepExtract(ctx context.Context, doc registry.Document) (*extract.Result, error) {
	req := extract.Request{DocID: doc.RetrievalDocID, ContentHash: doc.ContentHash}
	if validate.Format(doc.Format) == validate.FormatText {
		if blob, err := p.readBlob(doc.ContentHash); err == nil {
			req.Text = string(blob)
		}
	}
	ectx, cancel := context.WithTimeout(ctx, p.deps.Config.Timeouts.Extract())
	defer cancel()
	res, err := p.deps.Extractor.Extract(ectx, req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) discardEntries(processID string) {
	entries, err := p.deps.Queue.List()
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.ProcessID == processID {
			_ = p.deps.Queue.Discard(e.ID)
		}
	}
}

func (p *Pipeline) publish(processID string, state registry.State, msg string, counts progress.Counts, errMsg string) {
	p.deps.Hub.Publish(progress.Event{
		ProcessID: processID,
		Stage:     string(state),
		Percent:   stagePercent[state],
		Message:   msg,
		Counts:    counts,
		Error:     errMsg,
	})
}

func (p *Pipeline) writeBlob(hash string, data []byte) error {
	path := filepath.Join(p.blobDir, hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Pipeline) readBlob(hash string) ([]byte, error) {
	return os.ReadFile(filepath.Join(p.blobDir, hash))
}

// BreakerStats exposes the graph breaker snapshot for health reporting.
func (p *Pipeline) BreakerStats() breaker.Stats { return p.deps.Breaker.Stats() }

// contentHash is the SHA-256 hex digest that identifies a document's bytes
// everywhere in the system.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
