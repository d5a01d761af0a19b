// Package harvest composes the queue manager, a pool of fetch workers
// and the backoff controller into the main download loop.
package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mgrady/wayback-harvester/internal/fetch"
	"github.com/mgrady/wayback-harvester/internal/progress"
	"github.com/mgrady/wayback-harvester/internal/queue"
)

// Clock abstracts time for telemetry and tests.
type Clock interface {
	Now() time.Time
}

// Processor executes one task. fetch.Worker is the production
// implementation; tests substitute fakes.
type Processor interface {
	Process(ctx context.Context, task queue.Task) fetch.Result
}

// Config controls driver behavior.
type Config struct {
	// Parallel is the worker pool size; 1 degenerates to a synchronous
	// single-worker loop useful for debugging.
	Parallel int
	// BackoffThreshold is the consecutive-failure count that triggers a
	// backoff cycle.
	BackoffThreshold int
	// BackoffDuration is how long a backoff cycle sleeps.
	BackoffDuration time.Duration
	// PollInterval is the feeder's sleep while waiting on in-flight work.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Parallel < 1 {
		c.Parallel = 1
	}
	if c.BackoffThreshold < 1 {
		c.BackoffThreshold = 10
	}
	if c.BackoffDuration <= 0 {
		c.BackoffDuration = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Driver owns the main loop. It is the only mutator of queue state;
// workers stay stateless apart from their reused network session.
type Driver struct {
	queue     *queue.Manager
	newWorker func() Processor
	backoff   *Backoff
	emitter   progress.Emitter
	clock     Clock
	logger    *zap.Logger
	cfg       Config

	runID         [16]byte
	startedAt     time.Time
	totalRequests int
	totalDone     int
}

// New constructs a Driver. newWorker is called once per pool slot at
// every pool start so each worker gets a fresh session.
func New(
	q *queue.Manager,
	newWorker func() Processor,
	emitter progress.Emitter,
	clock Clock,
	logger *zap.Logger,
	cfg Config,
) *Driver {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		queue:     q,
		newWorker: newWorker,
		backoff:   NewBackoff(cfg.BackoffThreshold),
		emitter:   emitter,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
		runID:     progress.UUIDToBytes(uuid.New()),
	}
}

// Run drives the queue until it drains, a backoff interleaving pool
// restarts as needed. On a graceful interrupt it stops dispatching,
// finishes routing outcomes already in flight and returns ctx.Err();
// durable state stays consistent for resumption. On full drain it writes
// the terminal sentinel and returns nil.
func (d *Driver) Run(ctx context.Context) error {
	d.startedAt = d.clock.Now()
	d.emit(progress.Event{Stage: progress.StageRunStart})

	for {
		backedOff, err := d.runCycle(ctx)
		if err != nil {
			return err
		}
		if !backedOff {
			break
		}

		requeued := d.queue.RequeueInProgress()
		d.logger.Info("consecutive failures reached threshold; backing off",
			zap.Int("threshold", d.cfg.BackoffThreshold),
			zap.Int("requeued", requeued),
			zap.Duration("sleep", d.cfg.BackoffDuration),
		)
		d.emit(progress.Event{
			Stage:  progress.StageBackoff,
			Reason: fmt.Sprintf("%d consecutive failures", d.cfg.BackoffThreshold),
			Dur:    d.cfg.BackoffDuration,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.BackoffDuration):
		}
		d.backoff.Reset()
	}

	if err := d.queue.WriteSentinel(); err != nil {
		return err
	}
	d.emit(progress.Event{
		Stage: progress.StageRunDone,
		Dur:   d.clock.Now().Sub(d.startedAt),
	})
	return nil
}

// runCycle runs one worker-pool generation: it ends when the queue
// drains, the context is canceled, or the backoff threshold fires.
// backedOff reports the last case.
func (d *Driver) runCycle(ctx context.Context) (backedOff bool, err error) {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan queue.Task)
	results := make(chan fetch.Result)

	go d.feed(poolCtx, tasks)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := d.newWorker()
			for task := range tasks {
				start := d.clock.Now()
				res := w.Process(poolCtx, task)
				res.Dur = d.clock.Now().Sub(start)
				select {
				case results <- res:
				case <-poolCtx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		d.route(res)
		if d.backoff.Observe(res.Outcome) {
			// Abandon the pool: cancel, let the workers unwind, and
			// discard outcomes still in flight. Their ids stay
			// in-progress and are bulk-requeued by the caller; a
			// success dropped here is re-fetched later, which the
			// at-least-once store tolerates.
			cancel()
			for range results {
			}
			return true, nil
		}
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

// feed moves ids from todo into the task channel. When todo is empty but
// work is outstanding it polls, since in-flight failures may requeue.
func (d *Driver) feed(ctx context.Context, tasks chan<- queue.Task) {
	defer close(tasks)
	for {
		task, state := d.queue.Pop()
		switch state {
		case queue.PopOK:
			select {
			case tasks <- task:
			case <-ctx.Done():
				d.queue.Requeue(task.DocID)
				return
			}
		case queue.PopWait:
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
		case queue.PopEmpty:
			return
		}
	}
}

// route advances queue state for one outcome and emits telemetry.
func (d *Driver) route(res fetch.Result) {
	d.totalRequests++
	class := progress.ClassRetry

	switch res.Outcome.Kind {
	case fetch.KindSuccess:
		if err := d.queue.Complete(res.DocID); err != nil {
			d.logger.Error("completion log append failed; requeueing",
				zap.String("doc_id", res.DocID), zap.Error(err))
			d.queue.Requeue(res.DocID)
			break
		}
		d.totalDone++
		class = progress.ClassSuccess
	case fetch.KindTerminal:
		// Permanently unavailable: done so it is never retried, but
		// tracked separately for reporting.
		if err := d.queue.MarkNotFound(res.DocID); err != nil {
			d.logger.Error("completion log append failed; requeueing",
				zap.String("doc_id", res.DocID), zap.Error(err))
			d.queue.Requeue(res.DocID)
			break
		}
		d.totalDone++
		class = progress.ClassNotFound
	case fetch.KindRetryable:
		d.logger.Info("download failed; will retry",
			zap.String("doc_id", res.DocID),
			zap.String("reason", res.Outcome.Reason),
		)
		d.queue.Requeue(res.DocID)
	}

	d.emit(progress.Event{
		Stage:  progress.StageOutcome,
		DocID:  res.DocID,
		Class:  class,
		Reason: res.Outcome.Reason,
		Dur:    res.Dur,
	})
}

func (d *Driver) emit(evt progress.Event) {
	if d.emitter == nil {
		return
	}
	evt.RunID = d.runID
	evt.TS = d.clock.Now()
	evt.Snapshot = d.snapshot()
	d.emitter.Emit(evt)
}

// snapshot derives throughput and ETA the same way the progress readout
// always has: overall request rate against the estimated number of
// requests (including retries) still needed.
func (d *Driver) snapshot() progress.Snapshot {
	c := d.queue.Counts()
	snap := progress.Snapshot{
		Todo:       c.Todo,
		InProgress: c.InProgress,
		Done:       c.Done,
		NotFound:   c.NotFound,
		Total:      c.Total,
	}
	if d.totalRequests == 0 {
		return snap
	}
	snap.SuccessRate = float64(d.totalDone) / float64(d.totalRequests)

	elapsed := d.clock.Now().Sub(d.startedAt).Seconds()
	if elapsed <= 0 {
		return snap
	}
	overallRate := float64(d.totalRequests) / elapsed
	estRemaining := float64(c.Todo+c.InProgress) / (snap.SuccessRate + 1e-5)
	snap.ETA = time.Duration(estRemaining / overallRate * float64(time.Second))
	return snap
}
