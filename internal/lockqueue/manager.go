// Package lockqueue serializes work per conversation: at most one job per
// key runs at a time, later jobs wait in FIFO order, and different keys
// run concurrently.
package lockqueue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("lockqueue: closed")

// Job is one unit of conversation work.
type Job func(ctx context.Context) error

// Config tunes lock hygiene.
type Config struct {
	StaleAfter    time.Duration
	QueueAlert    int
	SweepInterval time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		StaleAfter:    15 * time.Minute,
		QueueAlert:    5,
		SweepInterval: time.Minute,
	}
}

type queuedJob struct {
	ctx        context.Context
	name       string
	job        Job
	enqueuedAt time.Time
}

type convLock struct {
	queue      *list.List // of *queuedJob
	acquiredAt time.Time
	running    string
	gen        uint64 // owner's generation, drawn from Manager.gen
}

// Stats is a snapshot of lock usage.
type Stats struct {
	ActiveLocks int            `json:"activeLocks"`
	QueuedJobs  int            `json:"queuedJobs"`
	Queues      map[string]int `json:"queues,omitempty"`
}

// Issue kinds reported by DetectIssues.
const (
	IssueLongQueue = "long_queue"
	IssueStaleLock = "stale_lock"
)

// Issue describes an unhealthy conversation lock.
type Issue struct {
	Key      string        `json:"key"`
	Kind     string        `json:"kind"`
	QueueLen int           `json:"queueLen"`
	HeldFor  time.Duration `json:"heldFor"`
}

// Manager owns the per-key locks. A key has an entry only while a job
// holds its lock.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	locks   map[string]*convLock
	gen     uint64 // monotonic across lock entries
	running int
	idle    chan struct{}
	closed  bool
}

// New creates a Manager.
func New(cfg Config, clk clock.Clock) *Manager {
	d := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.QueueAlert <= 0 {
		cfg.QueueAlert = d.QueueAlert
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		cfg:   cfg,
		clock: clk,
		locks: make(map[string]*convLock),
		idle:  make(chan struct{}),
	}
}

// Enqueue runs job under key's lock, now if the lock is free, otherwise
// after every job queued before it. It returns the job's queue position
// (0 when it started immediately).
func (m *Manager) Enqueue(ctx context.Context, key, name string, job Job) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	qj := &queuedJob{ctx: ctx, name: name, job: job, enqueuedAt: m.clock.Now()}

	l, ok := m.locks[key]
	if !ok {
		l = &convLock{queue: list.New()}
		m.locks[key] = l
		m.startLocked(key, l, qj)
		return 0, nil
	}

	l.queue.PushBack(qj)
	pos := l.queue.Len()
	slog.Info("lockqueue: job queued", "key", key, "job", name, "position", pos)
	if pos > m.cfg.QueueAlert {
		slog.Warn("lockqueue: long queue", "key", key, "length", pos)
	}
	return pos, nil
}

// startLocked hands the lock to qj. Must hold m.mu.
func (m *Manager) startLocked(key string, l *convLock, qj *queuedJob) {
	m.gen++
	l.gen = m.gen
	l.acquiredAt = m.clock.Now()
	l.running = qj.name
	m.running++
	go m.run(key, l.gen, qj)
}

func (m *Manager) run(key string, gen uint64, qj *queuedJob) {
	start := m.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lockqueue: job panicked",
				"key", key,
				"job", qj.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		m.release(key, gen)
	}()

	if wait := start.Sub(qj.enqueuedAt); wait > 0 {
		slog.Debug("lockqueue: job started", "key", key, "job", qj.name, "waited", wait)
	}
	if err := qj.job(qj.ctx); err != nil {
		slog.Error("lockqueue: job failed", "key", key, "job", qj.name, "error", err)
	}
}

// release frees key's lock if gen still owns it and starts the next
// queued job. A job that was force-released finishes with a stale gen and
// leaves its successor alone.
func (m *Manager) release(key string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running--
	if m.running == 0 {
		close(m.idle)
		m.idle = make(chan struct{})
	}

	l, ok := m.locks[key]
	if !ok || l.gen != gen {
		slog.Debug("lockqueue: stale release ignored", "key", key)
		return
	}
	m.advanceLocked(key, l)
}

// advanceLocked starts the next queued job or removes the lock. Must hold
// m.mu.
func (m *Manager) advanceLocked(key string, l *convLock) {
	front := l.queue.Front()
	if front == nil {
		delete(m.locks, key)
		return
	}
	l.queue.Remove(front)
	m.startLocked(key, l, front.Value.(*queuedJob))
}

// Sweep force-releases locks held longer than StaleAfter and returns how
// many were released.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	released := 0
	for key, l := range m.locks {
		held := now.Sub(l.acquiredAt)
		if held <= m.cfg.StaleAfter {
			continue
		}
		slog.Error("lockqueue: force released", "key", key, "job", l.running, "held", held, "queued", l.queue.Len())
		m.advanceLocked(key, l)
		released++
	}
	return released
}

// Run sweeps stale locks and reports issues every SweepInterval until ctx
// is done.
func (m *Manager) Run(ctx context.Context) {
	t := m.clock.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
			for _, is := range m.DetectIssues() {
				slog.Warn("lockqueue: issue", "key", is.Key, "kind", is.Kind, "queue", is.QueueLen, "held", is.HeldFor)
			}
		}
	}
}

// IsLocked reports whether a job currently holds key.
func (m *Manager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[key]
	return ok
}

// Stats returns the number of held locks and queued jobs.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{ActiveLocks: len(m.locks)}
	for key, l := range m.locks {
		if n := l.queue.Len(); n > 0 {
			if st.Queues == nil {
				st.Queues = make(map[string]int)
			}
			st.Queues[key] = n
			st.QueuedJobs += n
		}
	}
	return st
}

// DetectIssues lists queues longer than QueueAlert and locks held past
// StaleAfter, sorted by key.
func (m *Manager) DetectIssues() []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var issues []Issue
	for key, l := range m.locks {
		held := now.Sub(l.acquiredAt)
		if n := l.queue.Len(); n > m.cfg.QueueAlert {
			issues = append(issues, Issue{Key: key, Kind: IssueLongQueue, QueueLen: n, HeldFor: held})
		}
		if held > m.cfg.StaleAfter {
			issues = append(issues, Issue{Key: key, Kind: IssueStaleLock, QueueLen: l.queue.Len(), HeldFor: held})
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Key != issues[j].Key {
			return issues[i].Key < issues[j].Key
		}
		return issues[i].Kind < issues[j].Kind
	})
	return issues
}

// Close stops accepting new jobs. Jobs already queued still run.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Wait blocks until no job is running or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.running == 0 {
			m.mu.Unlock()
			return nil
		}
		idle := m.idle
		m.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
