package harvest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgrady/wayback-harvester/internal/clock/system"
	"github.com/mgrady/wayback-harvester/internal/fetch"
	"github.com/mgrady/wayback-harvester/internal/manifest"
	"github.com/mgrady/wayback-harvester/internal/progress"
	"github.com/mgrady/wayback-harvester/internal/queue"
	"github.com/mgrady/wayback-harvester/internal/store"
)

type fakeProcessor struct {
	mu       sync.Mutex
	calls    int
	outcomes map[string]fetch.Outcome
	writer   *store.Writer
	// failFirst forces retryable failures for the first N calls
	// regardless of the outcome table.
	failFirst int
}

func (p *fakeProcessor) Process(_ context.Context, task queue.Task) fetch.Result {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if n <= p.failFirst {
		return fetch.Result{DocID: task.DocID, Outcome: fetch.Retryable("simulated throttle")}
	}
	out, ok := p.outcomes[task.DocID]
	if !ok {
		out = fetch.Success()
	}
	if out.Kind == fetch.KindSuccess && p.writer != nil {
		_ = p.writer.Append(store.Record{
			DocID:      task.DocID,
			URL:        task.URL,
			ArchiveURL: task.ArchiveURL,
			Title:      "t",
			Text:       "x",
		})
	}
	return fetch.Result{DocID: task.DocID, Outcome: out}
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) countStage(stage progress.Stage) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

func entries(ids ...string) []manifest.Entry {
	out := make([]manifest.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, manifest.Entry{
			DocID:      id,
			URL:        "http://example.com/" + id,
			ArchiveURL: "http://web.archive.org/web/2006/" + id,
		})
	}
	return out
}

func fastConfig(parallel, threshold int) Config {
	return Config{
		Parallel:         parallel,
		BackoffThreshold: threshold,
		BackoffDuration:  5 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	}
}

func newDriver(t *testing.T, dir string, proc Processor, emitter progress.Emitter, cfg Config) (*Driver, *queue.Manager, []manifest.Entry) {
	t.Helper()
	ents := entries("aaa", "bbb")
	q, err := queue.Open(dir, ents)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	d := New(q, func() Processor { return proc }, emitter, system.New(), nil, cfg)
	return d, q, ents
}

func TestDriver_EndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer, err := store.NewWriter(dir)
	require.NoError(t, err)

	proc := &fakeProcessor{
		outcomes: map[string]fetch.Outcome{
			"aaa": fetch.Success(),
			"bbb": fetch.Terminal(fetch.ReasonNotFound),
		},
		writer: writer,
	}
	emitter := &captureEmitter{}
	d, q, _ := newDriver(t, dir, proc, emitter, fastConfig(2, 10))

	require.NoError(t, d.Run(context.Background()))

	c := q.Counts()
	require.Equal(t, 2, c.Done)
	require.Equal(t, 1, c.NotFound)
	require.Zero(t, c.Todo)
	require.Zero(t, c.InProgress)

	raw, err := os.ReadFile(filepath.Join(dir, "done_ids.txt"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "aaa\n")
	require.Contains(t, string(raw), "bbb\n")

	// Exactly one record, for the successful fetch.
	var recs []store.Record
	require.NoError(t, store.ScanDir(dir, func(r store.Record) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 1)
	require.Equal(t, "aaa", recs[0].DocID)

	_, err = os.Stat(filepath.Join(dir, "_done"))
	require.NoError(t, err)

	require.Equal(t, 1, emitter.countStage(progress.StageRunStart))
	require.Equal(t, 1, emitter.countStage(progress.StageRunDone))
	require.Equal(t, 2, emitter.countStage(progress.StageOutcome))
}

func TestDriver_RetryableIsRequeuedUntilSuccess(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{failFirst: 2}
	d, q, _ := newDriver(t, t.TempDir(), proc, nil, fastConfig(1, 10))

	require.NoError(t, d.Run(context.Background()))

	require.True(t, q.Drained())
	require.Equal(t, 2, q.Counts().Done)
	// 2 failures plus one success each for both ids.
	require.Equal(t, 4, proc.callCount())
}

func TestDriver_BackoffTriggersOnceAndRecovers(t *testing.T) {
	t.Parallel()

	// Three consecutive retryable failures with threshold 3 must trigger
	// exactly one backoff cycle, then the fresh pool drains the queue.
	proc := &fakeProcessor{failFirst: 3}
	emitter := &captureEmitter{}
	d, q, _ := newDriver(t, t.TempDir(), proc, emitter, fastConfig(1, 3))

	require.NoError(t, d.Run(context.Background()))

	require.True(t, q.Drained())
	require.Equal(t, 2, q.Counts().Done)
	require.Equal(t, 1, emitter.countStage(progress.StageBackoff))
}

func TestDriver_SecondRunFetchesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := &fakeProcessor{}
	d, q, ents := newDriver(t, dir, first, nil, fastConfig(2, 10))
	require.NoError(t, d.Run(context.Background()))
	require.NoError(t, q.Close())

	second := &fakeProcessor{}
	q2, err := queue.Open(dir, ents)
	require.NoError(t, err)
	defer q2.Close()
	d2 := New(q2, func() Processor { return second }, nil, system.New(), nil, fastConfig(2, 10))

	require.NoError(t, d2.Run(context.Background()))
	require.Zero(t, second.callCount(), "ids already done must not be fetched again")
}

func TestDriver_InterruptLeavesStateResumable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Always fails so no task can slip through to done before the
	// cancellation is observed.
	proc := &fakeProcessor{failFirst: 1 << 30}
	d, q, _ := newDriver(t, t.TempDir(), proc, nil, fastConfig(2, 10))

	err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Nothing was durably completed; everything is recomputed as todo.
	c := q.Counts()
	require.Zero(t, c.Done)
	require.Zero(t, c.InProgress)
	require.Equal(t, 2, c.Todo)
}

func TestBackoff_Observe(t *testing.T) {
	t.Parallel()

	b := NewBackoff(3)
	require.False(t, b.Observe(fetch.Retryable("x")))
	require.False(t, b.Observe(fetch.Retryable("x")))
	require.True(t, b.Observe(fetch.Retryable("x")))

	b.Reset()
	require.False(t, b.Observe(fetch.Retryable("x")))
	// A success breaks the streak.
	require.False(t, b.Observe(fetch.Success()))
	require.False(t, b.Observe(fetch.Retryable("x")))
	require.False(t, b.Observe(fetch.Retryable("x")))
	require.True(t, b.Observe(fetch.Retryable("x")))

	// Terminal failures also reset.
	b.Reset()
	require.False(t, b.Observe(fetch.Retryable("x")))
	require.False(t, b.Observe(fetch.Terminal(fetch.ReasonNotFound)))
	require.False(t, b.Observe(fetch.Retryable("x")))
}

func TestDriver_SnapshotSuccessRate(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{failFirst: 1}
	emitter := &captureEmitter{}
	d, _, _ := newDriver(t, t.TempDir(), proc, emitter, fastConfig(1, 10))
	require.NoError(t, d.Run(context.Background()))

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, progress.StageRunDone, last.Stage)
	// 3 requests (1 retry + 2 successes), 2 done.
	require.InDelta(t, 2.0/3.0, last.Snapshot.SuccessRate, 1e-9)
}
