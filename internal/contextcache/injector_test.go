package contextcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

var epoch = time.Date(2025, 7, 30, 17, 0, 0, 0, time.UTC)

type fakeHistory struct {
	text  string
	err   error
	calls int
}

func (f *fakeHistory) ChatHistory(_ context.Context, _ string, _ int) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeProfiles struct {
	profile Profile
	err     error
}

func (f *fakeProfiles) Profile(_ context.Context, _ string) (Profile, error) {
	return f.profile, f.err
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (f *fakeWriter) Write(_ context.Context, _ string, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, content)
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newTestInjector(c *clock.FakeClock, h HistorySource, p ProfileSource, w Writer) *Injector {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return NewInjector(cfg, c, h, p, w, nil)
}

// TestInjector_NewThreadInjectsOnce verifies two injections for the same
// new thread inside the marker TTL write exactly once.
func TestInjector_NewThreadInjectsOnce(t *testing.T) {
	c := clock.Fake(epoch)
	w := &fakeWriter{}
	inj := newTestInjector(c, &fakeHistory{text: "Cliente: Hola"}, &fakeProfiles{profile: Profile{Labels: []string{"VIP"}}}, w)

	req := Request{Key: "573001", ChatID: "573001@s.whatsapp.net", ThreadID: "thread_1", IsNewSession: true}
	first := inj.Inject(context.Background(), req)
	if !first.Success || first.Reason != ReasonNewThread {
		t.Fatalf("first = %+v", first)
	}

	c.Advance(2 * time.Minute)
	second := inj.Inject(context.Background(), req)
	if second.Reason != ReasonRecentlyInjected {
		t.Fatalf("second reason = %q, want %q", second.Reason, ReasonRecentlyInjected)
	}
	if w.count() != 1 {
		t.Fatalf("writes = %d, want 1", w.count())
	}

	c.Advance(4 * time.Minute)
	if r := inj.Inject(context.Background(), req); r.Reason != ReasonNewThread {
		t.Errorf("after marker expiry reason = %q", r.Reason)
	}
}

// TestInjector_NewThreadContent verifies the history block, the time line
// and the labels JSON.
func TestInjector_NewThreadContent(t *testing.T) {
	c := clock.Fake(epoch)
	w := &fakeWriter{}
	inj := newTestInjector(c, &fakeHistory{text: "line1\nline2"}, &fakeProfiles{profile: Profile{Labels: []string{"VIP", "Reserva"}}}, w)

	res := inj.Inject(context.Background(), Request{Key: "k", ThreadID: "t", IsNewSession: true})
	if res.HistoryLines != 2 || res.LabelCount != 2 {
		t.Fatalf("res = %+v", res)
	}
	want := "line1\nline2\n\nHora actual: 30/7/2025, 17:00:00\nEtiquetas actuales: [\"VIP\",\"Reserva\"]"
	if w.writes[0] != want {
		t.Errorf("content =\n%q\nwant\n%q", w.writes[0], want)
	}
	if res.TokensEstimate != (len(want)+3)/4 {
		t.Errorf("tokens = %d", res.TokensEstimate)
	}
}

// TestInjector_ExistingThreadStates verifies the recent and no-signal skips.
func TestInjector_ExistingThreadStates(t *testing.T) {
	c := clock.Fake(epoch)
	w := &fakeWriter{}
	inj := newTestInjector(c, &fakeHistory{}, &fakeProfiles{profile: Profile{Labels: []string{"VIP"}}}, w)

	recent := inj.Inject(context.Background(), Request{Key: "k", ThreadID: "t", LastActivity: epoch.Add(-10 * time.Minute), Signal: true})
	if recent.Reason != ReasonRecentThread {
		t.Errorf("recent reason = %q", recent.Reason)
	}
	stale := inj.Inject(context.Background(), Request{Key: "k", ThreadID: "t", LastActivity: epoch.Add(-3 * time.Hour)})
	if stale.Reason != ReasonNoSignal {
		t.Errorf("stale reason = %q", stale.Reason)
	}
	if w.count() != 0 {
		t.Fatalf("writes = %d, want 0", w.count())
	}
}

// TestInjector_RelevantContextCached verifies the stale-with-signal path
// computes the block once and serves it from cache afterwards.
func TestInjector_RelevantContextCached(t *testing.T) {
	c := clock.Fake(epoch)
	w := &fakeWriter{}
	inj := newTestInjector(c, &fakeHistory{}, &fakeProfiles{profile: Profile{Name: "Ana", Labels: []string{"VIP"}}}, w)

	req := Request{Key: "k", ThreadID: "t1", LastActivity: epoch.Add(-3 * time.Hour), Signal: true}
	first := inj.Inject(context.Background(), req)
	if first.Reason != ReasonFreshContext {
		t.Fatalf("first reason = %q", first.Reason)
	}
	if !strings.Contains(w.writes[0], "Etiquetas: VIP") || !strings.Contains(w.writes[0], "Nombre: Ana") {
		t.Errorf("content = %q", w.writes[0])
	}

	// A different thread bypasses the marker but hits the relevant cache.
	req.ThreadID = "t2"
	second := inj.Inject(context.Background(), req)
	if second.Reason != ReasonCachedContext {
		t.Fatalf("second reason = %q", second.Reason)
	}

	inj.InvalidateRelevant("k")
	req.ThreadID = "t3"
	if r := inj.Inject(context.Background(), req); r.Reason != ReasonFreshContext {
		t.Errorf("after invalidate reason = %q", r.Reason)
	}
}

// TestInjector_NoLabelsNoRelevantContext verifies an empty profile is
// reported and leaves no marker behind.
func TestInjector_NoLabelsNoRelevantContext(t *testing.T) {
	c := clock.Fake(epoch)
	inj := newTestInjector(c, &fakeHistory{}, &fakeProfiles{}, &fakeWriter{})

	req := Request{Key: "k", ThreadID: "t", LastActivity: epoch.Add(-3 * time.Hour), Signal: true}
	if r := inj.Inject(context.Background(), req); r.Reason != ReasonNoRelevant {
		t.Fatalf("reason = %q", r.Reason)
	}
	if inj.Stats().Markers != 0 {
		t.Error("marker kept after nothing was injected")
	}

	newReq := Request{Key: "k2", ThreadID: "t2", IsNewSession: true}
	if r := inj.Inject(context.Background(), newReq); r.Reason != ReasonNoContent {
		t.Errorf("new thread reason = %q", r.Reason)
	}
}

// TestInjector_WriteFailureReported verifies failures are contained and the
// marker is released so a retry can inject.
func TestInjector_WriteFailureReported(t *testing.T) {
	c := clock.Fake(epoch)
	w := &fakeWriter{err: errors.New("thread busy")}
	inj := newTestInjector(c, &fakeHistory{text: "hola"}, nil, w)

	req := Request{Key: "k", ThreadID: "t", IsNewSession: true}
	res := inj.Inject(context.Background(), req)
	if res.Success || !strings.HasPrefix(res.Reason, "error:") {
		t.Fatalf("res = %+v", res)
	}

	w.err = nil
	if r := inj.Inject(context.Background(), req); r.Reason != ReasonNewThread {
		t.Errorf("retry reason = %q", r.Reason)
	}
}

// TestInjector_HistoryCachedPerConversation verifies the history source is
// hit once per TTL and compressed before caching.
func TestInjector_HistoryCachedPerConversation(t *testing.T) {
	c := clock.Fake(epoch)
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, fmt.Sprintf("msg %d", i))
	}
	h := &fakeHistory{text: strings.Join(lines, "\n")}
	inj := newTestInjector(c, h, nil, &fakeWriter{})

	first := inj.Inject(context.Background(), Request{Key: "k", ThreadID: "t1", IsNewSession: true})
	if first.HistoryLines != 100 {
		t.Fatalf("HistoryLines = %d, want 100", first.HistoryLines)
	}
	inj.Inject(context.Background(), Request{Key: "k", ThreadID: "t2", IsNewSession: true})
	if h.calls != 1 {
		t.Errorf("history fetched %d times, want 1", h.calls)
	}

	c.Advance(time.Hour)
	if n := inj.CleanupExpired(); n == 0 {
		t.Error("CleanupExpired removed nothing after TTLs elapsed")
	}
	if st := inj.Stats(); st.HistoryEntries != 0 || st.Markers != 0 {
		t.Errorf("Stats after cleanup = %+v", st)
	}
}
