package channels

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from senders rotating source IPs/keys.
	maxTrackedKeys = 4096

	// rateLimitWindow is the sliding window duration for rate counting.
	rateLimitWindow = 60 * time.Second

	// defaultMaxHits is the max requests per key within a window.
	defaultMaxHits = 120
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter bounds inbound webhook requests per source key and
// the number of tracked keys. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	maxHits int
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter creates a bounded webhook rate limiter allowing
// maxHits requests per key per minute (<= 0 uses the default).
func NewWebhookRateLimiter(clk clock.Clock, maxHits int) *WebhookRateLimiter {
	if maxHits <= 0 {
		maxHits = defaultMaxHits
	}
	return &WebhookRateLimiter{
		clock:   clk,
		maxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow returns true if the key is within rate limits.
// Automatically prunes stale entries and enforces a hard cap on tracked keys.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}

// LogGateConfig holds the windows of a LogGate.
type LogGateConfig struct {
	InvalidWebhookWindow time.Duration // global window for invalid-payload logs
	TypingWindow         time.Duration // per-conversation window for typing logs
	Retention            time.Duration // Cleanup drops entries older than this
}

// DefaultLogGateConfig returns the standard windows: 60s, 5s and 1h.
func DefaultLogGateConfig() LogGateConfig {
	return LogGateConfig{
		InvalidWebhookWindow: 60 * time.Second,
		TypingWindow:         5 * time.Second,
		Retention:            time.Hour,
	}
}

// invalidWebhookKey is the single global key for invalid webhook logs.
const invalidWebhookKey = "invalid_webhook"

// LogGate decides whether a noisy log line should be emitted. It only
// suppresses logging; the underlying event is always processed.
type LogGate struct {
	mu    sync.Mutex
	clock clock.Clock
	cfg   LogGateConfig
	last  map[string]time.Time
}

// NewLogGate creates a LogGate. Zero windows in cfg fall back to defaults.
func NewLogGate(clk clock.Clock, cfg LogGateConfig) *LogGate {
	def := DefaultLogGateConfig()
	if cfg.InvalidWebhookWindow <= 0 {
		cfg.InvalidWebhookWindow = def.InvalidWebhookWindow
	}
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = def.TypingWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &LogGate{clock: clk, cfg: cfg, last: make(map[string]time.Time)}
}

// ShouldLogInvalidWebhook reports true at most once per global window.
func (g *LogGate) ShouldLogInvalidWebhook() bool {
	return g.allow(invalidWebhookKey, g.windows().InvalidWebhookWindow)
}

// ShouldLogTyping reports true at most once per window per conversation.
func (g *LogGate) ShouldLogTyping(conversationKey string) bool {
	return g.allow("typing:"+conversationKey, g.windows().TypingWindow)
}

// SetConfig swaps the windows at runtime (config hot reload).
func (g *LogGate) SetConfig(cfg LogGateConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.InvalidWebhookWindow > 0 {
		g.cfg.InvalidWebhookWindow = cfg.InvalidWebhookWindow
	}
	if cfg.TypingWindow > 0 {
		g.cfg.TypingWindow = cfg.TypingWindow
	}
	if cfg.Retention > 0 {
		g.cfg.Retention = cfg.Retention
	}
}

// Cleanup drops entries older than the retention horizon and returns how
// many were removed.
func (g *LogGate) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	removed := 0
	for k, at := range g.last {
		if now.Sub(at) > g.cfg.Retention {
			delete(g.last, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (g *LogGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

func (g *LogGate) windows() LogGateConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

func (g *LogGate) allow(key string, window time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if at, ok := g.last[key]; ok && now.Sub(at) < window {
		return false
	}
	g.last[key] = now
	return true
}
