package buffer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

var epoch = time.Date(2025, 7, 30, 17, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	batches []Batch
	at      []time.Time
	clock   clock.Clock
}

func (r *recorder) flush(b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	r.at = append(r.at, r.clock.Now())
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newTestBuffer(cfg Config) (*Buffer, *clock.FakeClock, *recorder) {
	c := clock.Fake(epoch)
	rec := &recorder{clock: c}
	return New(cfg, c, rec.flush), c, rec
}

// TestBuffer_SingleFlushWithinWindow verifies the burst scenario: "Hola" at
// t=0 and "como estas" at t=3s with a 10s window flush once at t=13s.
func TestBuffer_SingleFlushWithinWindow(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: 10 * time.Second})
	meta := Meta{ChatID: "573001@s.whatsapp.net", DisplayName: "Ana"}

	b.Add("573001", Fragment{Text: "Hola"}, meta, 0)
	c.Advance(3 * time.Second)
	b.Add("573001", Fragment{Text: "como estas"}, meta, 0)

	c.Advance(9 * time.Second) // t=12s
	if rec.count() != 0 {
		t.Fatalf("flushed early at t=12s")
	}
	c.Advance(time.Second) // t=13s
	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1", rec.count())
	}

	got := rec.batches[0]
	if got.Text != "Hola como estas" {
		t.Errorf("Text = %q", got.Text)
	}
	if !rec.at[0].Equal(epoch.Add(13 * time.Second)) {
		t.Errorf("flushed at %v, want t=13s", rec.at[0].Sub(epoch))
	}
	if got.Meta.DisplayName != "Ana" || len(got.Fragments) != 2 {
		t.Errorf("batch = %+v", got)
	}

	c.Advance(time.Minute)
	if rec.count() != 1 {
		t.Errorf("buffer flushed more than once")
	}
}

// TestBuffer_SeparatedFragmentsFlushTwice verifies fragments further apart
// than the window produce two batches.
func TestBuffer_SeparatedFragmentsFlushTwice(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: 5 * time.Second})

	b.Add("k", Fragment{Text: "uno"}, Meta{}, 0)
	c.Advance(6 * time.Second)
	b.Add("k", Fragment{Text: "dos"}, Meta{}, 0)
	c.Advance(6 * time.Second)

	if rec.count() != 2 {
		t.Fatalf("flushes = %d, want 2", rec.count())
	}
	if rec.batches[0].Text != "uno" || rec.batches[1].Text != "dos" {
		t.Errorf("batches = %q, %q", rec.batches[0].Text, rec.batches[1].Text)
	}
}

// TestBuffer_ManyFragmentsInOrder verifies N fragments inside the window
// arrive in one batch in arrival order, trimmed and with empties dropped.
func TestBuffer_ManyFragmentsInOrder(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: 2 * time.Second})

	for _, s := range []string{" a ", "b", "   ", "c", "d"} {
		b.Add("k", Fragment{Text: s}, Meta{}, 0)
		c.Advance(500 * time.Millisecond)
	}
	c.Advance(2 * time.Second)

	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1", rec.count())
	}
	if got := rec.batches[0].Text; got != "a b c d" {
		t.Errorf("Text = %q", got)
	}
	if n := len(rec.batches[0].Fragments); n != 5 {
		t.Errorf("fragments = %d, want 5", n)
	}
}

// TestBuffer_SingleFragmentVerbatim verifies a lone fragment keeps its
// whitespace.
func TestBuffer_SingleFragmentVerbatim(t *testing.T) {
	if got := Join([]Fragment{{Text: "  hola\n"}}); got != "  hola\n" {
		t.Errorf("Join = %q", got)
	}
}

// TestBuffer_DuplicateSkipped verifies a fragment repeating the previous
// one is dropped.
func TestBuffer_DuplicateSkipped(t *testing.T) {
	b, c, rec := newTestBuffer(Config{})

	b.Add("k", Fragment{Text: "hola"}, Meta{}, 0)
	b.Add("k", Fragment{Text: "hola"}, Meta{}, 0)
	if n := b.Pending("k"); n != 1 {
		t.Fatalf("Pending = %d, want 1", n)
	}
	c.Advance(time.Minute)
	if rec.count() != 1 || rec.batches[0].Text != "hola" {
		t.Errorf("batches = %+v", rec.batches)
	}
}

// TestBuffer_CapFlushesImmediately verifies reaching MaxFragments flushes
// without waiting for the timer.
func TestBuffer_CapFlushesImmediately(t *testing.T) {
	b, c, rec := newTestBuffer(Config{MaxFragments: 3})

	b.Add("k", Fragment{Text: "1"}, Meta{}, 0)
	b.Add("k", Fragment{Text: "2"}, Meta{}, 0)
	b.Add("k", Fragment{Text: "3"}, Meta{}, 0)

	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1 at cap", rec.count())
	}
	if b.Pending("k") != 0 {
		t.Errorf("buffer not cleared after cap flush")
	}
	c.Advance(time.Minute)
	if rec.count() != 1 {
		t.Errorf("stale timer flushed again")
	}
}

// TestBuffer_ExtendResetsTimer verifies presence extends a pending buffer
// and is a no-op otherwise.
func TestBuffer_ExtendResetsTimer(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: 3 * time.Second, PresenceWindow: 5 * time.Second})

	if b.Extend("k", ActivityTyping) {
		t.Fatal("Extend on empty buffer returned true")
	}

	b.Add("k", Fragment{Text: "hola"}, Meta{}, 0)
	c.Advance(2 * time.Second)
	if !b.Extend("k", ActivityTyping) {
		t.Fatal("Extend returned false")
	}
	c.Advance(4 * time.Second) // t=6s, presence window ends at t=7s
	if rec.count() != 0 {
		t.Fatal("flushed before the presence window elapsed")
	}
	c.Advance(time.Second)
	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1", rec.count())
	}
}

// TestBuffer_HoldDefersFlushUpToLimit verifies an active user delays the
// flush at most MaxHolds times.
func TestBuffer_HoldDefersFlushUpToLimit(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: time.Second, PresenceWindow: time.Second, MaxHolds: 2})
	var asked atomic.Int32
	b.SetHold(func(string) bool {
		asked.Add(1)
		return true
	})

	b.Add("k", Fragment{Text: "hola"}, Meta{}, 0)
	c.Advance(time.Second)
	c.Advance(time.Second)
	if rec.count() != 0 {
		t.Fatal("flushed while held")
	}
	c.Advance(time.Second)
	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1 after holds exhausted", rec.count())
	}
	if asked.Load() != 2 {
		t.Errorf("hold consulted %d times, want 2", asked.Load())
	}
}

// TestBuffer_ExplicitFlushOnce verifies an explicit flush wins over the
// timer and a second flush finds nothing.
func TestBuffer_ExplicitFlushOnce(t *testing.T) {
	b, c, rec := newTestBuffer(Config{})

	b.Add("k", Fragment{Text: "hola"}, Meta{}, 0)
	if !b.Flush("k") {
		t.Fatal("Flush returned false")
	}
	if b.Flush("k") {
		t.Fatal("second Flush returned true")
	}
	c.Advance(time.Minute)
	if rec.count() != 1 {
		t.Errorf("flushes = %d, want 1", rec.count())
	}
}

// TestBuffer_ConcurrentAddsFlushOnce verifies concurrent producers on one
// key never cause a double flush.
func TestBuffer_ConcurrentAddsFlushOnce(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: time.Second, MaxFragments: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Add("k", Fragment{Text: string(rune('a'+i%26)) + "x"}, Meta{}, 0)
		}(i)
	}
	wg.Wait()
	c.Advance(time.Second)

	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1", rec.count())
	}
}

// TestBuffer_CleanupAndStats verifies idle buffers are dropped and stats
// reflect pending input.
func TestBuffer_CleanupAndStats(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: time.Hour})

	b.Add("a", Fragment{Text: "1"}, Meta{}, 0)
	b.Add("a", Fragment{Text: "2"}, Meta{}, 0)
	c.Advance(20 * time.Minute)
	b.Add("b", Fragment{Text: "3"}, Meta{}, 0)

	if st := b.Stats(); st.ActiveBuffers != 2 || st.PendingFragments != 3 {
		t.Fatalf("Stats = %+v", st)
	}
	if n := b.Cleanup(15 * time.Minute); n != 1 {
		t.Fatalf("Cleanup = %d, want 1", n)
	}
	c.Advance(2 * time.Hour)
	if rec.count() != 1 || rec.batches[0].Key != "b" {
		t.Errorf("batches after cleanup = %+v", rec.batches)
	}
}

// TestBuffer_MediaWindowAndURLs verifies media fragments use the media
// window and expose their links.
func TestBuffer_MediaWindowAndURLs(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: 10 * time.Second, MediaWindow: 2 * time.Second})

	b.Add("k", Fragment{Text: "[Imagen] menu", Kind: KindImage, MediaURL: "https://cdn/x.jpg"}, Meta{}, 0)
	c.Advance(2 * time.Second)
	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1 after media window", rec.count())
	}
	if urls := rec.batches[0].MediaURLs(); len(urls) != 1 || urls[0] != "https://cdn/x.jpg" {
		t.Errorf("MediaURLs = %v", urls)
	}
}

// TestBuffer_SetConfigChangesTextWindow verifies a reloaded text window
// decides when the next text-only buffer flushes.
func TestBuffer_SetConfigChangesTextWindow(t *testing.T) {
	b, c, rec := newTestBuffer(Config{TextWindow: 5 * time.Second})

	b.Add("k", Fragment{Text: "hola"}, Meta{}, 0)
	c.Advance(5 * time.Second)
	if rec.count() != 1 {
		t.Fatalf("flushes = %d, want 1 after the initial window", rec.count())
	}

	b.SetConfig(Config{TextWindow: 2 * time.Second})
	b.Add("k", Fragment{Text: "sigue ahi?"}, Meta{}, 0)
	c.Advance(2 * time.Second)
	if rec.count() != 2 {
		t.Fatalf("flushes = %d, want 2 after the reloaded window", rec.count())
	}
	if got := rec.at[1].Sub(rec.at[0]); got != 2*time.Second {
		t.Errorf("second flush %v after the first, want 2s", got)
	}
}

// TestBuffer_ProcessorTextWindow verifies per-processor overrides apply to
// text only and fall back to TextWindow for other processors.
func TestBuffer_ProcessorTextWindow(t *testing.T) {
	b, c, rec := newTestBuffer(Config{
		TextWindow:  3 * time.Second,
		MediaWindow: 4 * time.Second,
		TextWindows: map[string]time.Duration{"operations": time.Second},
	})

	b.Add("ops", Fragment{Text: "turno"}, Meta{Processor: "operations"}, 0)
	b.Add("main", Fragment{Text: "hola"}, Meta{Processor: "main"}, 0)
	b.Add("ops-img", Fragment{Text: "[Imagen]", Kind: KindImage, MediaURL: "https://cdn/y.jpg"}, Meta{Processor: "operations"}, 0)

	c.Advance(time.Second)
	if rec.count() != 1 || rec.batches[0].Key != "ops" {
		t.Fatalf("batches after 1s = %+v, want only ops", rec.batches)
	}
	c.Advance(2 * time.Second)
	if rec.count() != 2 || rec.batches[1].Key != "main" {
		t.Fatalf("batches after 3s = %+v, want main second", rec.batches)
	}
	c.Advance(time.Second)
	if rec.count() != 3 || rec.batches[2].Key != "ops-img" {
		t.Fatalf("batches after 4s = %+v, want media on the media window", rec.batches)
	}
}
