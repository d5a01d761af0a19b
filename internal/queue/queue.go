// Package queue owns the durable, resumable work queue for a harvest run.
// The completion log is the only durable truth; todo, in-progress and
// not-found are derived sets rebuilt from the log plus the manifest at
// every start. An exclusive lock on the log enforces one active run per
// output directory and doubles as the run lifetime lock.
package queue

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/mgrady/wayback-harvester/internal/manifest"
)

// ErrLocked reports that another harvester already holds the completion
// log for this output directory. This is a fatal startup condition.
var ErrLocked = errors.New("another harvester holds the completion log")

const (
	doneLogName  = "done_ids.txt"
	sentinelName = "_done"
)

// Task is one unit of work handed to a fetch worker. It exists only
// between Pop and the outcome being routed back.
type Task struct {
	DocID      string
	URL        string
	ArchiveURL string
}

// PopState reports what Pop observed.
type PopState int

const (
	// PopOK: a task was moved from todo to in-progress.
	PopOK PopState = iota
	// PopWait: todo is empty but in-progress work is outstanding; the
	// caller should poll again, those ids may yet be requeued.
	PopWait
	// PopEmpty: both todo and in-progress are empty; the run is drained.
	PopEmpty
)

// Counts is a point-in-time snapshot of the queue sets.
type Counts struct {
	Todo       int
	InProgress int
	Done       int
	NotFound   int
	Total      int
}

// Manager guards the queue sets and the durable log. Pop is called from
// the driver's feeder goroutine while completions arrive on the result
// loop, so all state is mutex-protected.
type Manager struct {
	mu         sync.Mutex
	done       map[string]struct{}
	todo       map[string]struct{}
	inProgress map[string]struct{}
	notFound   map[string]struct{}
	entries    map[string]manifest.Entry

	dir  string
	log  *os.File
	lock *flock.Flock
}

// Open bootstraps queue state for dir from the manifest entries: ids
// already in the completion log land in done, everything else in todo.
// It fails with ErrLocked when another instance holds the log.
func Open(dir string, entries []manifest.Entry) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	logPath := filepath.Join(dir, doneLogName)

	lock := flock.New(logPath)
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock completion log %s: %w", logPath, err)
	}
	if !held {
		return nil, fmt.Errorf("%w: %s", ErrLocked, logPath)
	}

	m := &Manager{
		done:       make(map[string]struct{}),
		todo:       make(map[string]struct{}),
		inProgress: make(map[string]struct{}),
		notFound:   make(map[string]struct{}),
		entries:    make(map[string]manifest.Entry, len(entries)),
		dir:        dir,
		lock:       lock,
	}

	if err := m.readLog(logPath); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	m.log, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open completion log %s: %w", logPath, err)
	}

	for _, e := range entries {
		m.entries[e.DocID] = e
		if _, ok := m.done[e.DocID]; !ok {
			m.todo[e.DocID] = struct{}{}
		}
	}
	return m, nil
}

// LockRun acquires the run-exclusivity lock for dir without opening the
// queue, failing with ErrLocked when a harvest run is active. Anything
// that rewrites shard files out of band (compaction) must hold this
// lock: a writer racing a shard rename would otherwise end up appending
// to the replaced inode. The returned func releases the lock.
func LockRun(dir string) (func() error, error) {
	logPath := filepath.Join(dir, doneLogName)
	lock := flock.New(logPath)
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock completion log %s: %w", logPath, err)
	}
	if !held {
		return nil, fmt.Errorf("%w: %s", ErrLocked, logPath)
	}
	return lock.Unlock, nil
}

func (m *Manager) readLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read completion log %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := sc.Text(); id != "" {
			m.done[id] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan completion log %s: %w", path, err)
	}
	return nil
}

// Pop atomically moves one id from todo to in-progress. It never blocks;
// the returned state distinguishes a drained queue from one waiting on
// outstanding work.
func (m *Manager) Pop() (Task, PopState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.todo {
		delete(m.todo, id)
		m.inProgress[id] = struct{}{}
		e := m.entries[id]
		return Task{DocID: id, URL: e.URL, ArchiveURL: e.ArchiveURL}, PopOK
	}
	if len(m.inProgress) > 0 {
		return Task{}, PopWait
	}
	return Task{}, PopEmpty
}

// Complete durably appends id to the log, then moves it to done. The
// append happens before the in-memory update so a crash can only lose
// in-progress work, which the next bootstrap recomputes as todo.
func (m *Manager) Complete(id string) error {
	return m.finish(id, false)
}

// MarkNotFound records a terminal failure: the id counts as done (it will
// never be retried) and is additionally tracked in the not-found set.
func (m *Manager) MarkNotFound(id string) error {
	return m.finish(id, true)
}

func (m *Manager) finish(id string, notFound bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := fmt.Fprintf(m.log, "%s\n", id); err != nil {
		return fmt.Errorf("append %s to completion log: %w", id, err)
	}
	m.done[id] = struct{}{}
	if notFound {
		m.notFound[id] = struct{}{}
	}
	delete(m.inProgress, id)
	delete(m.todo, id)
	return nil
}

// Requeue moves id from in-progress back to todo for a later retry.
func (m *Manager) Requeue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgress, id)
	if _, terminal := m.done[id]; !terminal {
		m.todo[id] = struct{}{}
	}
}

// RequeueInProgress bulk-recovers every outstanding id back into todo.
// Used when a backoff abandons the worker pool mid-flight. Returns the
// number of ids moved.
func (m *Manager) RequeueInProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.inProgress)
	for id := range m.inProgress {
		delete(m.inProgress, id)
		m.todo[id] = struct{}{}
	}
	return n
}

// Counts returns a snapshot of the set sizes.
func (m *Manager) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		Todo:       len(m.todo),
		InProgress: len(m.inProgress),
		Done:       len(m.done),
		NotFound:   len(m.notFound),
		Total:      len(m.entries),
	}
}

// Drained reports whether no work remains in todo or in-progress.
func (m *Manager) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.todo) == 0 && len(m.inProgress) == 0
}

// WriteSentinel creates the zero-byte terminal marker recording that
// every manifest id reached a terminal state.
func (m *Manager) WriteSentinel() error {
	path := filepath.Join(m.dir, sentinelName)
	if err := os.WriteFile(path, nil, 0o640); err != nil {
		return fmt.Errorf("write sentinel %s: %w", path, err)
	}
	return nil
}

// Close releases the run lock and the log handle. Durable state stays
// consistent for a later resumption.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.log != nil {
		if err := m.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close completion log: %w", err))
		}
		m.log = nil
	}
	if m.lock != nil {
		if err := m.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release run lock: %w", err))
		}
		m.lock = nil
	}
	return errors.Join(errs...)
}
