package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubProcessor struct {
	name   string
	policy Policy
	claim  func(Event) bool
	err    error

	mu   sync.Mutex
	seen []Event
}

func (p *stubProcessor) Name() string            { return p.name }
func (p *stubProcessor) Policy() Policy          { return p.policy }
func (p *stubProcessor) CanHandle(ev Event) bool { return p.claim(ev) }

func (p *stubProcessor) Process(_ context.Context, ev Event) error {
	p.mu.Lock()
	p.seen = append(p.seen, ev)
	p.mu.Unlock()
	return p.err
}

func (p *stubProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func newStubs() (*stubProcessor, *stubProcessor) {
	ops := &stubProcessor{name: "operations", policy: Policy{CompactLogs: true}, claim: func(ev Event) bool {
		return fromChat(ev, "120363@g.us")
	}}
	main := &stubProcessor{name: "main", claim: func(Event) bool { return true }}
	return ops, main
}

func textEvent(chat string) Event {
	return Event{Kind: KindMessages, Count: 1, Messages: []Message{{ID: "m1", Type: "text", ChatID: chat, Text: &TextBody{Body: "hola"}}}}
}

// TestRouter_FirstMatchWins verifies registration order decides which
// processor handles an event.
func TestRouter_FirstMatchWins(t *testing.T) {
	ops, main := newStubs()
	r := NewRouter(nil, ops, main)

	if err := r.Route(context.Background(), textEvent("120363@g.us")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := r.Route(context.Background(), textEvent("573001@s.whatsapp.net")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ops.count() != 1 || main.count() != 1 {
		t.Errorf("ops=%d main=%d, want 1/1", ops.count(), main.count())
	}
}

// TestRouter_WrapsProcessorError verifies the processor name prefixes the
// returned error.
func TestRouter_WrapsProcessorError(t *testing.T) {
	sentinel := errors.New("boom")
	p := &stubProcessor{name: "main", claim: func(Event) bool { return true }, err: sentinel}
	err := NewRouter(nil, p).Route(context.Background(), textEvent("573001"))
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want wrapped sentinel", err)
	}
	if err.Error() != "main: boom" {
		t.Errorf("err = %q", err.Error())
	}
}

// TestRouter_UnclaimedEventIsDropped verifies Route succeeds when no
// processor matches.
func TestRouter_UnclaimedEventIsDropped(t *testing.T) {
	p := &stubProcessor{name: "none", claim: func(Event) bool { return false }}
	if err := NewRouter(nil, p).Route(context.Background(), textEvent("573001")); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if p.count() != 0 {
		t.Error("unclaimed event processed")
	}
}

// TestRouter_Diagnose verifies every processor is probed and the winner
// is reported.
func TestRouter_Diagnose(t *testing.T) {
	ops, main := newStubs()
	r := NewRouter(nil, ops, main)

	d := r.Diagnose(textEvent("120363@g.us"))
	if !d.Handled || d.Processor != "operations" {
		t.Errorf("Diagnose = %+v, want operations", d)
	}
	if len(d.Matches) != 2 || !d.Matches[1].CanHandle {
		t.Errorf("Matches = %+v", d.Matches)
	}
	if got := r.Processors(); len(got) != 2 || got[0].Name != "operations" || !got[0].Policy.CompactLogs {
		t.Errorf("Processors() = %+v", got)
	}
	if ops.count() != 0 {
		t.Error("Diagnose processed the event")
	}
}
