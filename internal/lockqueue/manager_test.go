package lockqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

var epoch = time.Date(2025, 7, 30, 17, 0, 0, 0, time.UTC)

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// TestManager_FIFOPerKey verifies K jobs for one key run one at a time in
// arrival order.
func TestManager_FIFOPerKey(t *testing.T) {
	m := New(Config{}, clock.Fake(epoch))

	var (
		mu      sync.Mutex
		order   []int
		active  atomic.Int32
		overlap atomic.Bool
	)
	gate := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		_, err := m.Enqueue(context.Background(), "573001", "turn", func(context.Context) error {
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			if i == 0 {
				<-gate
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			active.Add(-1)
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if st := m.Stats(); st.ActiveLocks != 1 || st.QueuedJobs != 4 {
		t.Fatalf("Stats = %+v, want 1 lock 4 queued", st)
	}
	close(gate)
	waitIdle(t, m)

	if overlap.Load() {
		t.Fatal("two jobs for one key ran concurrently")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if m.IsLocked("573001") {
		t.Error("lock entry kept after queue drained")
	}
}

// TestManager_DistinctKeysInterleave verifies different conversations do
// not wait on each other.
func TestManager_DistinctKeysInterleave(t *testing.T) {
	m := New(Config{}, clock.Fake(epoch))

	blockA := make(chan struct{})
	ranB := make(chan struct{})
	m.Enqueue(context.Background(), "a", "turn", func(context.Context) error {
		<-blockA
		return nil
	})
	m.Enqueue(context.Background(), "b", "turn", func(context.Context) error {
		close(ranB)
		return nil
	})

	select {
	case <-ranB:
	case <-time.After(5 * time.Second):
		t.Fatal("job for key b blocked behind key a")
	}
	close(blockA)
	waitIdle(t, m)
}

// TestManager_FailureReleasesLock verifies job A failing still lets B run
// exactly once afterwards.
func TestManager_FailureReleasesLock(t *testing.T) {
	m := New(Config{}, clock.Fake(epoch))

	gate := make(chan struct{})
	var bRuns atomic.Int32
	m.Enqueue(context.Background(), "k", "A", func(context.Context) error {
		<-gate
		return errors.New("assistant unavailable")
	})
	m.Enqueue(context.Background(), "k", "B", func(context.Context) error {
		bRuns.Add(1)
		return nil
	})

	close(gate)
	waitIdle(t, m)
	if n := bRuns.Load(); n != 1 {
		t.Fatalf("B ran %d times, want 1", n)
	}
}

// TestManager_PanicReleasesLock verifies a panicking job does not wedge the
// conversation.
func TestManager_PanicReleasesLock(t *testing.T) {
	m := New(Config{}, clock.Fake(epoch))

	ran := make(chan struct{})
	m.Enqueue(context.Background(), "k", "boom", func(context.Context) error {
		panic("nil thread")
	})
	m.Enqueue(context.Background(), "k", "next", func(context.Context) error {
		close(ran)
		return nil
	})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("successor never ran after panic")
	}
	waitIdle(t, m)
}

// TestManager_StaleLockForceReleased verifies Sweep hands the lock to the
// next job and the late finisher cannot release its successor.
func TestManager_StaleLockForceReleased(t *testing.T) {
	c := clock.Fake(epoch)
	m := New(Config{StaleAfter: 15 * time.Minute, QueueAlert: 5}, c)

	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	bStarted := make(chan struct{})
	m.Enqueue(context.Background(), "k", "A", func(context.Context) error {
		<-releaseA
		return nil
	})
	m.Enqueue(context.Background(), "k", "B", func(context.Context) error {
		close(bStarted)
		<-releaseB
		return nil
	})

	if n := m.Sweep(); n != 0 {
		t.Fatalf("Sweep released %d fresh locks", n)
	}
	c.Advance(16 * time.Minute)
	if issues := m.DetectIssues(); len(issues) != 1 || issues[0].Kind != IssueStaleLock {
		t.Fatalf("DetectIssues = %+v", issues)
	}
	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep released %d, want 1", n)
	}
	<-bStarted

	// A finishes late; B must still hold the lock.
	close(releaseA)
	time.Sleep(50 * time.Millisecond)
	if !m.IsLocked("k") {
		t.Fatal("stale job released its successor's lock")
	}

	close(releaseB)
	waitIdle(t, m)
	if m.IsLocked("k") {
		t.Error("lock kept after B finished")
	}
}

// TestManager_StaleJobAfterLockRecreated covers a force release with an
// empty queue: the lock entry is dropped and rebuilt for the next job, and
// the late finish of the released job must not free the new owner.
func TestManager_StaleJobAfterLockRecreated(t *testing.T) {
	c := clock.Fake(epoch)
	m := New(Config{StaleAfter: time.Minute}, c)

	var active, maxActive atomic.Int32
	enter := func() {
		n := active.Add(1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				return
			}
		}
	}

	releaseA := make(chan struct{})
	m.Enqueue(context.Background(), "k", "A", func(context.Context) error {
		<-releaseA
		return nil
	})
	c.Advance(2 * time.Minute)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep released %d, want 1", n)
	}

	releaseB := make(chan struct{})
	bStarted := make(chan struct{})
	m.Enqueue(context.Background(), "k", "B", func(context.Context) error {
		enter()
		defer active.Add(-1)
		close(bStarted)
		<-releaseB
		return nil
	})
	<-bStarted

	close(releaseA)
	time.Sleep(50 * time.Millisecond)
	if !m.IsLocked("k") {
		t.Fatal("late finish of the released job freed B's lock")
	}

	cDone := make(chan struct{})
	pos, err := m.Enqueue(context.Background(), "k", "C", func(context.Context) error {
		enter()
		defer active.Add(-1)
		close(cDone)
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue C: %v", err)
	}
	if pos != 1 {
		t.Fatalf("C position = %d, want 1 behind B", pos)
	}

	close(releaseB)
	<-cDone
	waitIdle(t, m)
	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", got)
	}
}

// TestManager_DetectLongQueue verifies queues above the alert threshold are
// reported.
func TestManager_DetectLongQueue(t *testing.T) {
	m := New(Config{QueueAlert: 2}, clock.Fake(epoch))

	gate := make(chan struct{})
	for i := 0; i < 4; i++ {
		m.Enqueue(context.Background(), "k", "turn", func(context.Context) error {
			<-gate
			return nil
		})
	}
	issues := m.DetectIssues()
	if len(issues) != 1 || issues[0].Kind != IssueLongQueue || issues[0].QueueLen != 3 {
		t.Fatalf("DetectIssues = %+v", issues)
	}
	close(gate)
	waitIdle(t, m)
}

// TestManager_ClosedRejects verifies Enqueue fails after Close.
func TestManager_ClosedRejects(t *testing.T) {
	m := New(Config{}, clock.Fake(epoch))
	m.Close()
	if _, err := m.Enqueue(context.Background(), "k", "turn", func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
