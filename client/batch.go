package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bambuk-rpc/endpoint"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownBatch = errors.New("client: unknown batch")
	ErrBatchJoined  = errors.New("client: batch already joined")
)

// BatchReport summarizes a joined batch.
type BatchReport struct {
	ID      string
	Sent    int              // Distinct agents the batch tried to reach
	Failed  map[string]error // Endpoint → error for every agent with a send that gave up
	Elapsed time.Duration    // From StartBulkSend to the end of Join
}

// Delivered returns how many agents answered every send addressed to them.
func (r *BatchReport) Delivered() int {
	return r.Sent - len(r.Failed)
}

// Err joins the per-endpoint failures, ordered by endpoint. It is nil when every send got a reply.
func (r *BatchReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, r.Failed[k])
	}
	return errors.Join(errs...)
}

type batch struct {
	started time.Time
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu      sync.Mutex
	joining bool // Set by Join before it waits; no sends are accepted afterwards
	targets map[string]struct{}
	report  BatchReport

	joined chan struct{} // Closed once final is set and cached
	final  *BatchReport
}

// StartBulkSend opens a new batch and returns its id.
func (p *Pool) StartBulkSend() string {
	id := uuid.NewString()
	b := &batch{
		started: time.Now(),
		sem:     semaphore.NewWeighted(p.maxInFlight),
		targets: make(map[string]struct{}),
		report:  BatchReport{ID: id, Failed: make(map[string]error)},
		joined:  make(chan struct{}),
	}

	p.mu.Lock()
	p.batches[id] = b
	p.mu.Unlock()

	p.logger.Debug("batch started", zap.String("batch", id))
	return id
}

// Send starts one call to ep in the batch. It blocks while the batch already has its
// maximum number of calls in flight, then returns without waiting for the reply. The call
// runs through the endpoint's Sender; its reply is discarded and a failure is logged and
// recorded in the batch report.
func (p *Pool) Send(batchID string, ep endpoint.Endpoint, method string, args map[string]any) error {
	b, err := p.lookup(batchID)
	if err != nil {
		return err
	}
	key := ep.String()
	if !b.add(key) {
		return fmt.Errorf("%w: %s", ErrBatchJoined, batchID)
	}

	// Background never cancels, so Acquire cannot fail.
	_ = b.sem.Acquire(context.Background(), 1)
	sender := p.GetSender(ep)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)

		p.metrics.BatchTaskStarted()
		defer p.metrics.BatchTaskDone()

		if _, err := sender.Call(method, args); err != nil {
			p.logger.Error("batched send failed",
				zap.String("batch", batchID),
				zap.Stringer("endpoint", ep),
				zap.String("method", method),
				zap.Error(err))
			b.fail(key, err)
		}
	}()
	return nil
}

// Join waits for every send of the batch, including the slowest, and returns the report.
// Failed sends never make Join fail. Joining a batch again, even while the first Join is
// still waiting, returns the same report while it is remembered.
func (p *Pool) Join(batchID string) (*BatchReport, error) {
	p.mu.Lock()
	b, ok := p.batches[batchID]
	p.mu.Unlock()

	if !ok {
		if report, ok := p.joined.Get(batchID); ok {
			return report, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}

	b.mu.Lock()
	first := !b.joining
	b.joining = true
	b.mu.Unlock()
	if !first {
		<-b.joined
		return b.final, nil
	}

	b.wg.Wait()

	b.mu.Lock()
	report := b.report
	b.mu.Unlock()
	report.Elapsed = time.Since(b.started)

	// Cache before forgetting the batch so the id is never briefly unknown.
	b.final = &report
	p.joined.Add(batchID, b.final)
	p.mu.Lock()
	delete(p.batches, batchID)
	p.mu.Unlock()
	close(b.joined)

	p.metrics.BatchJoined(report.Elapsed)
	p.logger.Debug("batch joined",
		zap.String("batch", batchID),
		zap.Int("sent", report.Sent),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("elapsed", report.Elapsed))
	return b.final, nil
}

func (p *Pool) lookup(batchID string) (*batch, error) {
	p.mu.Lock()
	b, ok := p.batches[batchID]
	p.mu.Unlock()
	if ok {
		return b, nil
	}
	if p.joined.Contains(batchID) {
		return nil, fmt.Errorf("%w: %s", ErrBatchJoined, batchID)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
}

// add registers one more send to key unless the batch is being joined. Sent counts each
// endpoint once however many sends it gets.
func (b *batch) add(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joining {
		return false
	}
	b.wg.Add(1)
	if _, ok := b.targets[key]; !ok {
		b.targets[key] = struct{}{}
		b.report.Sent++
	}
	return true
}

func (b *batch) fail(key string, err error) {
	b.mu.Lock()
	b.report.Failed[key] = err
	b.mu.Unlock()
}
