// Package buffer aggregates bursts of inbound message fragments per
// conversation and hands the combined text to a flush handler once the
// conversation has been quiet for a debounce window.
package buffer

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

// Kind classifies a fragment.
type Kind string

const (
	KindText   Kind = "text"
	KindVoice  Kind = "voice"
	KindImage  Kind = "image"
	KindManual Kind = "manual"
)

// Activity is a presence signal that extends a pending buffer.
type Activity string

const (
	ActivityTyping    Activity = "typing"
	ActivityRecording Activity = "recording"
	ActivityVoice     Activity = "voice"
)

// Fragment is one inbound piece of user input.
type Fragment struct {
	Text      string
	Kind      Kind
	ArrivedAt time.Time
	MessageID string
	MediaURL  string
}

// Meta carries per-conversation delivery details alongside the fragments.
// Non-empty fields of later Adds overwrite earlier ones.
type Meta struct {
	ChatID      string
	DisplayName string
	Processor   string
}

func (m *Meta) merge(o Meta) {
	if o.ChatID != "" {
		m.ChatID = o.ChatID
	}
	if o.DisplayName != "" {
		m.DisplayName = o.DisplayName
	}
	if o.Processor != "" {
		m.Processor = o.Processor
	}
}

// Batch is what a flush hands to the handler.
type Batch struct {
	Key       string
	Text      string
	Meta      Meta
	Fragments []Fragment
}

// MediaURLs returns the media links attached to the batch, in order.
func (b Batch) MediaURLs() []string {
	var urls []string
	for _, f := range b.Fragments {
		if f.MediaURL != "" {
			urls = append(urls, f.MediaURL)
		}
	}
	return urls
}

// FlushFunc receives flushed batches. It is called without any buffer
// lock held and may block; timer-driven flushes run on the timer
// goroutine.
type FlushFunc func(Batch)

// HoldFunc reports whether a due flush should wait because the user is
// still typing or recording.
type HoldFunc func(key string) bool

// Config tunes the debounce windows.
type Config struct {
	TextWindow     time.Duration
	MediaWindow    time.Duration
	PresenceWindow time.Duration
	VoiceWindow    time.Duration
	MaxFragments   int
	MaxHolds       int

	// TextWindows overrides TextWindow for text fragments routed by the
	// named processor (Meta.Processor).
	TextWindows map[string]time.Duration
}

// DefaultConfig returns the stock windows.
func DefaultConfig() Config {
	return Config{
		TextWindow:     3 * time.Second,
		MediaWindow:    3 * time.Second,
		PresenceWindow: 5 * time.Second,
		VoiceWindow:    5 * time.Second,
		MaxFragments:   50,
		MaxHolds:       3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TextWindow <= 0 {
		c.TextWindow = d.TextWindow
	}
	if c.MediaWindow <= 0 {
		c.MediaWindow = d.MediaWindow
	}
	if c.PresenceWindow <= 0 {
		c.PresenceWindow = d.PresenceWindow
	}
	if c.VoiceWindow <= 0 {
		c.VoiceWindow = d.VoiceWindow
	}
	if c.MaxFragments <= 0 {
		c.MaxFragments = d.MaxFragments
	}
	if c.MaxHolds < 0 {
		c.MaxHolds = 0
	}
	return c
}

// Stats is a snapshot of buffer occupancy.
type Stats struct {
	ActiveBuffers    int `json:"activeBuffers"`
	PendingFragments int `json:"pendingFragments"`
}

type entry struct {
	key          string
	fragments    []Fragment
	meta         Meta
	lastActivity time.Time
	timer        *clock.Timer
	gen          uint64
	holds        int
	flushed      bool
}

// Buffer holds at most one pending entry per conversation key.
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	onFlush FlushFunc
	hold    HoldFunc
	entries map[string]*entry
}

// New creates a Buffer. onFlush must be non-nil.
func New(cfg Config, clk clock.Clock, onFlush FlushFunc) *Buffer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Buffer{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		onFlush: onFlush,
		entries: make(map[string]*entry),
	}
}

// SetHold installs the presence check consulted before each timer flush.
func (b *Buffer) SetHold(h HoldFunc) {
	b.mu.Lock()
	b.hold = h
	b.mu.Unlock()
}

// SetConfig swaps the windows used for timers armed from now on.
func (b *Buffer) SetConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Buffer) windowFor(k Kind, processor string) time.Duration {
	switch k {
	case KindVoice, KindImage:
		return b.cfg.MediaWindow
	}
	if d := b.cfg.TextWindows[processor]; d > 0 {
		return d
	}
	return b.cfg.TextWindow
}

// Add appends frag to the conversation's buffer and re-arms its timer.
// A zero window selects the configured window for the fragment kind and
// processor, so config reloads apply to the next fragment. A fragment
// whose text equals the previous one is skipped.
func (b *Buffer) Add(key string, frag Fragment, meta Meta, window time.Duration) {
	if frag.ArrivedAt.IsZero() {
		frag.ArrivedAt = b.clock.Now()
	}
	if frag.Kind == "" {
		frag.Kind = KindText
	}

	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{key: key}
		b.entries[key] = e
	}

	if n := len(e.fragments); n > 0 && e.fragments[n-1].Text == frag.Text && frag.MediaURL == "" {
		b.mu.Unlock()
		slog.Debug("buffer: duplicate fragment skipped", "key", key)
		return
	}

	e.fragments = append(e.fragments, frag)
	e.meta.merge(meta)
	e.lastActivity = b.clock.Now()
	e.holds = 0

	if len(e.fragments) >= b.cfg.MaxFragments {
		batch := b.takeLocked(e)
		b.mu.Unlock()
		slog.Info("buffer: fragment cap reached, flushing", "key", key, "fragments", len(batch.Fragments))
		b.onFlush(batch)
		return
	}

	if window <= 0 {
		window = b.windowFor(frag.Kind, e.meta.Processor)
	}
	b.armLocked(e, window)
	pending := len(e.fragments)
	b.mu.Unlock()

	slog.Debug("buffer: fragment added", "key", key, "kind", frag.Kind, "pending", pending, "window", window)
}

// Extend resets the timer of a pending buffer without adding input.
// It returns false when the conversation has nothing pending.
func (b *Buffer) Extend(key string, a Activity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.flushed {
		return false
	}
	window := b.cfg.PresenceWindow
	if a == ActivityVoice {
		window = b.cfg.VoiceWindow
	}
	e.lastActivity = b.clock.Now()
	b.armLocked(e, window)
	return true
}

// Flush flushes key immediately. It returns false when nothing was
// pending.
func (b *Buffer) Flush(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.flushed {
		b.mu.Unlock()
		return false
	}
	batch := b.takeLocked(e)
	b.mu.Unlock()

	b.onFlush(batch)
	return true
}

// FlushAll flushes every pending buffer, e.g. during shutdown, and
// returns the number of batches handed off.
func (b *Buffer) FlushAll() int {
	b.mu.Lock()
	batches := make([]Batch, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.flushed {
			batches = append(batches, b.takeLocked(e))
		}
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.onFlush(batch)
	}
	return len(batches)
}

// armLocked (re)schedules the entry's flush timer. Must hold b.mu.
// d is always positive here, so a fake clock never fires synchronously
// while the lock is held.
func (b *Buffer) armLocked(e *entry, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = b.clock.AfterFunc(d, func() { b.fire(e, gen) })
}

// takeLocked removes e from the map and builds its batch. Must hold b.mu.
func (b *Buffer) takeLocked(e *entry) Batch {
	e.flushed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if b.entries[e.key] == e {
		delete(b.entries, e.key)
	}
	return Batch{
		Key:       e.key,
		Text:      Join(e.fragments),
		Meta:      e.meta,
		Fragments: e.fragments,
	}
}

func (b *Buffer) fire(e *entry, gen uint64) {
	b.mu.Lock()
	if e.flushed || e.gen != gen || b.entries[e.key] != e {
		b.mu.Unlock()
		return
	}
	hold := b.hold
	canHold := e.holds < b.cfg.MaxHolds
	b.mu.Unlock()

	if hold != nil && canHold && hold(e.key) {
		b.mu.Lock()
		if !e.flushed && e.gen == gen {
			e.holds++
			b.armLocked(e, b.cfg.PresenceWindow)
			slog.Debug("buffer: flush held, user active", "key", e.key, "holds", e.holds)
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	if e.flushed || e.gen != gen {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(e)
	b.mu.Unlock()

	slog.Info("buffer: flush", "key", batch.Key, "fragments", len(batch.Fragments), "chars", len(batch.Text))
	b.onFlush(batch)
}

// Cleanup drops buffers idle longer than maxAge without flushing them and
// returns how many were dropped.
func (b *Buffer) Cleanup(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	dropped := 0
	for key, e := range b.entries {
		if now.Sub(e.lastActivity) <= maxAge {
			continue
		}
		e.flushed = true
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.entries, key)
		dropped++
		slog.Warn("buffer: idle buffer dropped", "key", key, "fragments", len(e.fragments))
	}
	return dropped
}

// Pending returns the number of fragments waiting for key.
func (b *Buffer) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return len(e.fragments)
	}
	return 0
}

// Stats returns buffer occupancy.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{ActiveBuffers: len(b.entries)}
	for _, e := range b.entries {
		st.PendingFragments += len(e.fragments)
	}
	return st
}

// Join combines fragments in arrival order. A single fragment is used
// verbatim; several are trimmed, empties dropped, and joined with one
// space.
func Join(frags []Fragment) string {
	if len(frags) == 1 {
		return frags[0].Text
	}
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if t := strings.TrimSpace(f.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
