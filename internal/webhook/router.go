package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/channels"
)

// Policy is the behaviour bundle a processor applies to the turns it
// starts.
type Policy struct {
	TrackPresence bool          `json:"trackPresence"`
	ResponseDelay time.Duration `json:"responseDelay"`
	CompactLogs   bool          `json:"compactLogs"`
	AssistantID   string        `json:"assistantId,omitempty"`
}

// Processor handles the events it claims.
type Processor interface {
	Name() string
	Policy() Policy
	CanHandle(ev Event) bool
	Process(ctx context.Context, ev Event) error
}

// ProcessorInfo describes a registered processor.
type ProcessorInfo struct {
	Name   string `json:"name"`
	Policy Policy `json:"policy"`
}

// Match reports whether one processor would claim an event.
type Match struct {
	Name      string `json:"name"`
	CanHandle bool   `json:"canHandle"`
}

// Diagnosis reports how an event would be routed.
type Diagnosis struct {
	Kind      Kind    `json:"kind"`
	Processor string  `json:"processor,omitempty"`
	Handled   bool    `json:"handled"`
	Matches   []Match `json:"matches"`
}

// Router dispatches events to the first processor whose CanHandle is
// true. Registration order is precedence order.
type Router struct {
	processors []Processor
	gate       *channels.LogGate
}

// NewRouter creates a router. gate may be nil, in which case unmatched
// events are always logged.
func NewRouter(gate *channels.LogGate, processors ...Processor) *Router {
	r := &Router{processors: processors, gate: gate}
	for _, p := range processors {
		slog.Info("webhook: processor registered", "name", p.Name(), "policy", fmt.Sprintf("%+v", p.Policy()))
	}
	return r
}

// Route hands ev to the first matching processor. An event nobody claims
// is dropped.
func (r *Router) Route(ctx context.Context, ev Event) error {
	for _, p := range r.processors {
		if !p.CanHandle(ev) {
			continue
		}
		if p.Policy().CompactLogs {
			slog.Debug("webhook: routed", "processor", p.Name(), "kind", ev.Kind, "count", ev.Count)
		} else {
			slog.Info("webhook: routed", "processor", p.Name(), "kind", ev.Kind, "count", ev.Count)
		}
		if err := p.Process(ctx, ev); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
		return nil
	}
	if r.gate == nil || r.gate.ShouldLogInvalidWebhook() {
		slog.Warn("webhook: no processor for event", "kind", ev.Kind, "keys", ev.Keys)
	}
	return nil
}

// Processors lists registered processors in precedence order.
func (r *Router) Processors() []ProcessorInfo {
	out := make([]ProcessorInfo, 0, len(r.processors))
	for _, p := range r.processors {
		out = append(out, ProcessorInfo{Name: p.Name(), Policy: p.Policy()})
	}
	return out
}

// Diagnose reports which processors would claim ev and which one wins.
func (r *Router) Diagnose(ev Event) Diagnosis {
	d := Diagnosis{Kind: ev.Kind}
	for _, p := range r.processors {
		ok := p.CanHandle(ev)
		d.Matches = append(d.Matches, Match{Name: p.Name(), CanHandle: ok})
		if ok && !d.Handled {
			d.Processor = p.Name()
			d.Handled = true
		}
	}
	return d
}
