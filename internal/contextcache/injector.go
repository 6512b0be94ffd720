package contextcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

// Injection outcomes reported in Result.Reason.
const (
	ReasonRecentThread     = "thread_exists_no_context_needed"
	ReasonRecentlyInjected = "recently_injected"
	ReasonNewThread        = "new_thread_history"
	ReasonCachedContext    = "cached_context_injected"
	ReasonFreshContext     = "fresh_context_injected"
	ReasonNoRelevant       = "no_relevant_context"
	ReasonNoContent        = "no_content_to_inject"
	ReasonNoSignal         = "no_relevance_signal"
)

// HistorySource fetches a formatted chat history block for a chat.
type HistorySource interface {
	ChatHistory(ctx context.Context, chatID string, count int) (string, error)
}

// Profile is what the injector needs to know about a client.
type Profile struct {
	Name         string
	Labels       []string
	LastActivity time.Time
}

// ProfileSource looks up client labels and names.
type ProfileSource interface {
	Profile(ctx context.Context, chatID string) (Profile, error)
}

// Writer appends a user-role note to an assistant thread.
type Writer interface {
	Write(ctx context.Context, threadID, content string) error
}

// Config tunes the injector. Zero values fall back to DefaultConfig.
type Config struct {
	HistoryTTL        time.Duration
	RelevantTTL       time.Duration
	MarkerTTL         time.Duration
	RecentWindow      time.Duration
	CompressThreshold int
	MaxLines          int
	HistoryFetch      int
	Location          *time.Location
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/Bogota")
	if err != nil {
		loc = time.FixedZone("COT", -5*60*60)
	}
	return Config{
		HistoryTTL:        time.Hour,
		RelevantTTL:       time.Minute,
		MarkerTTL:         5 * time.Minute,
		RecentWindow:      time.Hour,
		CompressThreshold: 50,
		MaxLines:          100,
		HistoryFetch:      50,
		Location:          loc,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = d.HistoryTTL
	}
	if c.RelevantTTL <= 0 {
		c.RelevantTTL = d.RelevantTTL
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = d.MarkerTTL
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = d.CompressThreshold
	}
	if c.MaxLines <= 0 {
		c.MaxLines = d.MaxLines
	}
	if c.HistoryFetch <= 0 {
		c.HistoryFetch = d.HistoryFetch
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}

// Request describes one turn about to run against ThreadID.
type Request struct {
	Key          string // conversation key
	ChatID       string
	ThreadID     string
	IsNewSession bool
	LastActivity time.Time
	// Signal is set when the turn carries something that makes client
	// context relevant again (e.g. labels changed, long absence).
	Signal bool
}

// Result reports what the injector did.
type Result struct {
	Success        bool
	TokensEstimate int
	ContextLength  int
	HistoryLines   int
	LabelCount     int
	Reason         string
}

// Stats is a snapshot of cache sizes.
type Stats struct {
	HistoryEntries  int `json:"historyEntries"`
	RelevantEntries int `json:"relevantEntries"`
	Markers         int `json:"markers"`
}

// Injector decides whether a thread needs context before a turn and
// writes it.
type Injector struct {
	cfg      Config
	clock    clock.Clock
	history  HistorySource
	profiles ProfileSource
	writer   Writer
	tokens   TokenEstimator

	historyCache  *TTLCache[string]
	relevantCache *TTLCache[string]
	markers       *TTLCache[time.Time]
}

// NewInjector wires an injector. profiles may be nil; tokens defaults to
// CharEstimator.
func NewInjector(cfg Config, clk clock.Clock, history HistorySource, profiles ProfileSource, writer Writer, tokens TokenEstimator) *Injector {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if tokens == nil {
		tokens = CharEstimator{}
	}
	return &Injector{
		cfg:           cfg,
		clock:         clk,
		history:       history,
		profiles:      profiles,
		writer:        writer,
		tokens:        tokens,
		historyCache:  NewTTLCache[string](clk, cfg.HistoryTTL),
		relevantCache: NewTTLCache[string](clk, cfg.RelevantTTL),
		markers:       NewTTLCache[time.Time](clk, cfg.MarkerTTL),
	}
}

func markerKey(threadID, key string) string {
	return threadID + "_" + key
}

// Inject runs the injection policy for req. It never returns an error:
// failures are reported as Success=false with an "error:" reason and the
// turn proceeds without context.
func (inj *Injector) Inject(ctx context.Context, req Request) Result {
	now := inj.clock.Now()

	if !req.IsNewSession {
		if !req.LastActivity.IsZero() && now.Sub(req.LastActivity) < inj.cfg.RecentWindow {
			return Result{Success: true, Reason: ReasonRecentThread}
		}
		if !req.Signal {
			return Result{Success: true, Reason: ReasonNoSignal}
		}
	}

	mk := markerKey(req.ThreadID, req.Key)
	if !inj.markers.SetIfAbsent(mk, now) {
		slog.Debug("contextcache: recently injected", "key", req.Key, "thread", req.ThreadID)
		return Result{Success: true, Reason: ReasonRecentlyInjected}
	}

	var (
		res Result
		err error
	)
	if req.IsNewSession {
		res, err = inj.injectHistory(ctx, req)
	} else {
		res, err = inj.injectRelevant(ctx, req)
	}
	if err != nil {
		inj.markers.Delete(mk)
		slog.Warn("contextcache: injection failed", "key", req.Key, "thread", req.ThreadID, "error", err)
		return Result{Reason: "error:" + err.Error()}
	}
	if res.ContextLength == 0 {
		inj.markers.Delete(mk)
	}
	return res
}

func (inj *Injector) injectHistory(ctx context.Context, req Request) (Result, error) {
	history, ok := inj.historyCache.Get(req.Key)
	if !ok && inj.history != nil {
		raw, err := inj.history.ChatHistory(ctx, req.ChatID, inj.cfg.HistoryFetch)
		if err != nil {
			slog.Warn("contextcache: history fetch failed", "key", req.Key, "error", err)
		} else if raw != "" {
			var before, after int
			history, before, after = CompressHistory(raw, inj.cfg.CompressThreshold, inj.cfg.MaxLines)
			if before != after {
				slog.Info("contextcache: history compressed", "key", req.Key, "before", before, "after", after)
			}
			inj.historyCache.Set(req.Key, history)
		}
	}

	var labels []string
	if inj.profiles != nil {
		p, err := inj.profiles.Profile(ctx, req.ChatID)
		if err != nil {
			slog.Warn("contextcache: labels unavailable", "key", req.Key, "error", err)
		} else {
			labels = p.Labels
		}
	}

	if history == "" && len(labels) == 0 {
		return Result{Success: true, Reason: ReasonNoContent}, nil
	}

	content := inj.newThreadContent(history, labels)
	if err := inj.writer.Write(ctx, req.ThreadID, content); err != nil {
		return Result{}, fmt.Errorf("write history: %w", err)
	}

	res := Result{
		Success:        true,
		TokensEstimate: inj.tokens.Estimate(content),
		ContextLength:  len(content),
		LabelCount:     len(labels),
		Reason:         ReasonNewThread,
	}
	if history != "" {
		res.HistoryLines = strings.Count(history, "\n") + 1
	}
	slog.Info("contextcache: history injected",
		"key", req.Key,
		"thread", req.ThreadID,
		"lines", res.HistoryLines,
		"labels", res.LabelCount,
		"tokens", res.TokensEstimate,
	)
	return res, nil
}

func (inj *Injector) newThreadContent(history string, labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, _ := json.Marshal(labels)

	var sb strings.Builder
	if history != "" {
		sb.WriteString(history)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Hora actual: ")
	sb.WriteString(inj.clock.Now().In(inj.cfg.Location).Format("2/1/2006, 15:04:05"))
	sb.WriteString("\nEtiquetas actuales: ")
	sb.Write(labelsJSON)
	return sb.String()
}

func (inj *Injector) injectRelevant(ctx context.Context, req Request) (Result, error) {
	reason := ReasonCachedContext
	content, ok := inj.relevantCache.Get(req.Key)
	if !ok {
		reason = ReasonFreshContext
		var err error
		content, err = inj.relevantContext(ctx, req.ChatID)
		if err != nil {
			return Result{}, err
		}
		if content == "" {
			return Result{Success: true, Reason: ReasonNoRelevant}, nil
		}
		inj.relevantCache.Set(req.Key, content)
	}

	if err := inj.writer.Write(ctx, req.ThreadID, content); err != nil {
		return Result{}, fmt.Errorf("write context: %w", err)
	}
	res := Result{
		Success:        true,
		TokensEstimate: inj.tokens.Estimate(content),
		ContextLength:  len(content),
		Reason:         reason,
	}
	slog.Info("contextcache: context injected", "key", req.Key, "thread", req.ThreadID, "reason", reason, "tokens", res.TokensEstimate)
	return res, nil
}

func (inj *Injector) relevantContext(ctx context.Context, chatID string) (string, error) {
	if inj.profiles == nil {
		return "", nil
	}
	p, err := inj.profiles.Profile(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("profile: %w", err)
	}
	if len(p.Labels) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("=== CONTEXTO DEL CLIENTE ===\n")
	if p.Name != "" {
		fmt.Fprintf(&sb, "Nombre: %s\n", p.Name)
	}
	fmt.Fprintf(&sb, "Etiquetas: %s\n", strings.Join(p.Labels, ", "))
	if !p.LastActivity.IsZero() {
		fmt.Fprintf(&sb, "Última actividad: %s\n", p.LastActivity.In(inj.cfg.Location).Format("2/1/2006, 15:04:05"))
	}
	sb.WriteString("=== FIN CONTEXTO ===")
	return sb.String(), nil
}

// InvalidateRelevant drops the cached relevant context for key, e.g.
// after a labels event.
func (inj *Injector) InvalidateRelevant(key string) {
	inj.relevantCache.Delete(key)
}

// CleanupExpired sweeps all three caches and returns the number of
// entries removed.
func (inj *Injector) CleanupExpired() int {
	n := inj.historyCache.CleanupExpired() + inj.relevantCache.CleanupExpired() + inj.markers.CleanupExpired()
	if n > 0 {
		slog.Debug("contextcache: cleanup", "removed", n)
	}
	return n
}

// Stats returns cache sizes.
func (inj *Injector) Stats() Stats {
	return Stats{
		HistoryEntries:  inj.historyCache.Len(),
		RelevantEntries: inj.relevantCache.Len(),
		Markers:         inj.markers.Len(),
	}
}
