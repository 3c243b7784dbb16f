package triage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Worker runs the claim loop: each goroutine repeatedly claims the oldest
// pending alert and drives it through the pipeline. Claims are atomic
// compare-and-set transitions in the store, so workers never share an alert.
type Worker struct {
	store    Store
	pipeline *Pipeline
	logger   log.Logger
	metrics  *Metrics

	count int
	poll  time.Duration

	wg sync.WaitGroup
}

// NewWorker creates a worker pool. count defaults to 1, poll to 250ms.
func NewWorker(store Store, pipeline *Pipeline, logger log.Logger, metrics *Metrics, count int, poll time.Duration) *Worker {
	if logger == nil {
		logger = log.Nop()
	}
	if count <= 0 {
		count = 1
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Worker{
		store:    store,
		pipeline: pipeline,
		logger:   logger,
		metrics:  metrics,
		count:    count,
		poll:     poll,
	}
}

// Start launches the pool. Stop by cancelling ctx, then Wait.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.loop(ctx, id)
		}(i)
	}
}

// Wait blocks until every goroutine has drained its in-flight alert.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	L := w.logger.With("worker", id)
	L.Info(ctx, "worker started", "poll", w.poll.String())

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		// Drain the queue before going back to sleep.
		for {
			if ctx.Err() != nil {
				L.Info(ctx, "worker stopped")
				return
			}
			if !w.claimOne(ctx, L) {
				break
			}
		}

		select {
		case <-ctx.Done():
			L.Info(ctx, "worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// claimOne claims and processes a single alert; false means the queue was
// empty (or the claim errored) and the loop should sleep.
func (w *Worker) claimOne(ctx context.Context, L log.Logger) bool {
	rec, err := w.store.ClaimNextPending(ctx)
	if errors.Is(err, ErrNotFound) {
		w.metrics.observeClaim("empty")
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			L.Error(ctx, err, "claim failed")
		}
		w.metrics.observeClaim("error")
		return false
	}
	w.metrics.observeClaim("claimed")

	if err := w.pipeline.Process(ctx, rec); err != nil {
		// Already dead-lettered by the pipeline.
		L.Warn(ctx, "alert dead-lettered", "ingest_id", rec.IngestID, "error", err.Error())
	}
	return true
}
