package webhook

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

// Presence states reported by the provider.
const (
	presenceTyping    = "typing"
	presenceRecording = "recording"
)

type activity struct {
	typing    bool
	recording bool
	at        time.Time
}

// ActivityTracker records who is typing or recording. Its Hold method is
// installed as the buffer hold hook so a flush waits for a user who is
// still composing.
type ActivityTracker struct {
	clock  clock.Clock
	window time.Duration

	mu    sync.Mutex
	state map[string]activity
}

// NewActivityTracker creates a tracker. A typing signal older than window
// no longer holds a flush.
func NewActivityTracker(clk clock.Clock, window time.Duration) *ActivityTracker {
	if window <= 0 {
		window = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ActivityTracker{clock: clk, window: window, state: make(map[string]activity)}
}

// Mark records status for key and returns the previous state flags.
// Statuses other than typing and recording clear the state.
func (t *ActivityTracker) Mark(key, status string) (wasTyping, wasRecording bool) {
	status = strings.ToLower(status)
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state[key]
	switch status {
	case presenceTyping, presenceRecording:
		t.state[key] = activity{
			typing:    status == presenceTyping,
			recording: status == presenceRecording,
			at:        t.clock.Now(),
		}
	default:
		delete(t.state, key)
	}
	return prev.typing, prev.recording
}

// Clear forgets key, e.g. once its message arrived.
func (t *ActivityTracker) Clear(key string) {
	t.mu.Lock()
	delete(t.state, key)
	t.mu.Unlock()
}

// Hold reports whether key is typing or recording right now.
func (t *ActivityTracker) Hold(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.state[key]
	if !ok {
		return false
	}
	if t.clock.Now().Sub(a.at) > t.window {
		delete(t.state, key)
		return false
	}
	return a.typing || a.recording
}

// SetWindow changes the hold window.
func (t *ActivityTracker) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.window = d
	t.mu.Unlock()
}

// Cleanup drops stale entries and returns how many were removed.
func (t *ActivityTracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	n := 0
	for k, a := range t.state {
		if now.Sub(a.at) > t.window {
			delete(t.state, k)
			n++
		}
	}
	return n
}
