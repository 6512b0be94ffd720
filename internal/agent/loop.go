// Package agent runs conversation turns: a flushed buffer becomes one
// serialized assistant run whose reply is sanitized, split and published
// for delivery.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goconcierge/internal/assistant"
	"github.com/nextlevelbuilder/goconcierge/internal/buffer"
	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/clock"
	"github.com/nextlevelbuilder/goconcierge/internal/contextcache"
	"github.com/nextlevelbuilder/goconcierge/internal/lockqueue"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
	"github.com/nextlevelbuilder/goconcierge/internal/tools"
	"github.com/nextlevelbuilder/goconcierge/internal/tracing"
)

// Replies sent when a turn cannot produce assistant text.
const (
	FallbackFailed  = "Lo siento, hubo un problema procesando tu consulta. Por favor intenta de nuevo."
	FallbackTimeout = "Lo siento, hubo un error técnico. Por favor intenta de nuevo en unos momentos."
	FallbackEmpty   = "Lo siento, no pude generar una respuesta adecuada."
)

// manualNoteFormat wraps a message an operator typed by hand.
const manualNoteFormat = "[Mensaje manual escrito por el agente %s - NO RESPONDER]\n%s"

// SessionStore is the subset of sessions.Store the loop uses.
type SessionStore interface {
	Get(key string) (sessions.Record, bool)
	Set(key, threadID string, meta sessions.Meta) sessions.Record
	Rotate(key, newThreadID string) (sessions.Record, bool)
	Touch(key string)
}

// Assistant runs turns on threads.
type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	Write(ctx context.Context, threadID, content string) error
	Ask(ctx context.Context, turn assistant.Turn) (assistant.Outcome, error)
}

// ContextInjector adds client context to a thread before a run.
type ContextInjector interface {
	Inject(ctx context.Context, req contextcache.Request) contextcache.Result
}

// Queue serializes jobs per conversation.
type Queue interface {
	Enqueue(ctx context.Context, key, name string, job lockqueue.Job) (int, error)
}

// PresenceSender shows typing state in a chat.
type PresenceSender interface {
	SendPresence(ctx context.Context, channelName, chatID, state string) error
}

// SentRecorder remembers text the bot sent so webhook echoes of it are
// ignored.
type SentRecorder interface {
	RecordSent(chatID, content string)
}

// Policy is the per-processor delivery behaviour of a turn.
type Policy struct {
	ResponseDelay time.Duration
	TrackPresence bool
	CompactLogs   bool
	AssistantID   string // empty uses the client default
}

// LoopConfig wires a Loop. Events, Presence and Echoes are optional.
type LoopConfig struct {
	Channel   string
	Sessions  SessionStore
	Assistant Assistant
	Injector  ContextInjector
	Queue     Queue
	Outbound  bus.OutboundRouter
	Events    bus.EventPublisher
	Presence  PresenceSender
	Echoes    SentRecorder
	Policies  map[string]Policy // keyed by processor name
	Clock     clock.Clock

	MaxParts    int           // reply chunks per turn (default 3)
	LatencyWarn time.Duration // turns slower than this log a warning (default 10s)
	SignalAfter time.Duration // idle time after which client context is relevant again (default 24h)
}

// TurnDone is the payload of bus.EventTurnDone.
type TurnDone struct {
	Key         string        `json:"key"`
	TurnID      string        `json:"turnId"`
	ThreadID    string        `json:"threadId"`
	Processor   string        `json:"processor"`
	Status      string        `json:"status"`
	Parts       int           `json:"parts"`
	TotalTokens int64         `json:"totalTokens"`
	Duration    time.Duration `json:"duration"`
}

// SessionRotated is the payload of bus.EventSessionRotated.
type SessionRotated struct {
	Key       string `json:"key"`
	OldThread string `json:"oldThread"`
	NewThread string `json:"newThread"`
}

// Stats counts turns since start.
type Stats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rotations int64 `json:"rotations"`
}

// Loop turns flushed buffers into serialized assistant turns and delivers
// the replies.
type Loop struct {
	cfg   LoopConfig
	clock clock.Clock

	mu      sync.Mutex
	signals map[string]bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rotations atomic.Int64
}

// NewLoop applies defaults and returns a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxParts <= 0 {
		cfg.MaxParts = 3
	}
	if cfg.LatencyWarn <= 0 {
		cfg.LatencyWarn = 10 * time.Second
	}
	if cfg.SignalAfter <= 0 {
		cfg.SignalAfter = 24 * time.Hour
	}
	if cfg.Channel == "" {
		cfg.Channel = "whatsapp"
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Loop{cfg: cfg, clock: clk, signals: make(map[string]bool)}
}

// FlushFunc adapts the loop to buffer.New. Batches are queued under ctx.
func (l *Loop) FlushFunc(ctx context.Context) buffer.FlushFunc {
	return func(b buffer.Batch) {
		if err := l.HandleBatch(ctx, b); err != nil {
			slog.Error("agent: batch dropped", "key", b.Key, "error", err)
		}
	}
}

// HandleBatch queues a turn for b behind any turn already running for the
// same conversation.
func (l *Loop) HandleBatch(ctx context.Context, b buffer.Batch) error {
	if b.Text == "" && len(b.Fragments) == 0 {
		return nil
	}
	pos, err := l.cfg.Queue.Enqueue(ctx, b.Key, "turn", func(jobCtx context.Context) error {
		return l.runTurn(jobCtx, b)
	})
	if err != nil {
		return fmt.Errorf("enqueue turn: %w", err)
	}
	if pos > 0 {
		slog.Info("agent: turn queued", "key", b.Key, "position", pos)
	}
	return nil
}

// MarkSignal flags key so its next turn refreshes client context, e.g.
// after its labels changed.
func (l *Loop) MarkSignal(key string) {
	l.mu.Lock()
	l.signals[key] = true
	l.mu.Unlock()
}

func (l *Loop) takeSignal(key string, lastActivity time.Time) bool {
	l.mu.Lock()
	sig := l.signals[key]
	delete(l.signals, key)
	l.mu.Unlock()
	if sig {
		return true
	}
	return !lastActivity.IsZero() && l.clock.Now().Sub(lastActivity) > l.cfg.SignalAfter
}

// SyncManual adds a note typed by a human operator to the conversation's
// thread. No run is started.
func (l *Loop) SyncManual(ctx context.Context, key, chatID, agentName, text string) error {
	if agentName == "" {
		agentName = "humano"
	}
	note := fmt.Sprintf(manualNoteFormat, agentName, text)
	_, err := l.cfg.Queue.Enqueue(ctx, key, "manual_sync", func(jobCtx context.Context) error {
		threadID, _, err := l.thread(jobCtx, key, chatID, "")
		if err != nil {
			return err
		}
		if err := l.cfg.Assistant.Write(jobCtx, threadID, note); err != nil {
			return fmt.Errorf("write manual note: %w", err)
		}
		l.cfg.Sessions.Touch(key)
		slog.Info("agent: manual message synced", "key", key, "thread", threadID, "agent", agentName)
		return nil
	})
	return err
}

// Stats returns turn counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Active:    l.active.Load(),
		Completed: l.completed.Load(),
		Failed:    l.failed.Load(),
		Rotations: l.rotations.Load(),
	}
}

func (l *Loop) policyFor(processor string) Policy {
	if p, ok := l.cfg.Policies[processor]; ok {
		return p
	}
	return Policy{TrackPresence: true}
}

// thread returns the conversation's thread id, creating and recording a
// new thread when none exists.
func (l *Loop) thread(ctx context.Context, key, chatID, userName string) (string, sessions.Record, error) {
	if rec, ok := l.cfg.Sessions.Get(key); ok && rec.ThreadID != "" {
		return rec.ThreadID, rec, nil
	}
	threadID, err := l.cfg.Assistant.CreateThread(ctx)
	if err != nil {
		return "", sessions.Record{}, fmt.Errorf("create thread: %w", err)
	}
	l.cfg.Sessions.Set(key, threadID, sessions.Meta{ChatID: chatID, UserName: userName})
	slog.Info("agent: thread created", "key", key, "thread", threadID)
	return threadID, sessions.Record{}, nil
}

func (l *Loop) runTurn(ctx context.Context, b buffer.Batch) (err error) {
	l.active.Add(1)
	defer l.active.Add(-1)

	turnID := uuid.NewString()
	pol := l.policyFor(b.Meta.Processor)
	level := slog.LevelInfo
	if pol.CompactLogs {
		level = slog.LevelDebug
	}
	chatID := b.Meta.ChatID
	if chatID == "" {
		chatID = sessions.ChatID(b.Key)
	}
	start := l.clock.Now()

	ctx, span := tracing.Start(ctx, "agent.turn",
		"turn_id", turnID,
		"conversation", b.Key,
		"processor", b.Meta.Processor,
	)
	defer func() {
		tracing.End(span, err)
		if err != nil {
			l.failed.Add(1)
		} else {
			l.completed.Add(1)
		}
	}()

	slog.Log(ctx, level, "agent: turn started",
		"key", b.Key,
		"turn_id", turnID,
		"fragments", len(b.Fragments),
		"preview", channels.Truncate(b.Text, 80),
	)

	threadID, rec, err := l.thread(ctx, b.Key, chatID, b.Meta.DisplayName)
	if err != nil {
		l.fallback(ctx, chatID, b, turnID, FallbackFailed)
		return err
	}
	isNew := rec.ThreadID == ""

	stopTyping := l.startTyping(ctx, pol, chatID)
	defer stopTyping()

	l.inject(ctx, b.Key, chatID, threadID, isNew, rec.LastActivity)

	turn := tools.Turn{ChatID: chatID, Key: b.Key, UserName: b.Meta.DisplayName, ThreadID: threadID, Processor: b.Meta.Processor}
	out, err := l.ask(tools.WithTurn(ctx, turn), threadID, pol, b)
	if errors.Is(err, assistant.ErrContextOverflow) {
		slog.Warn("agent: context overflow, rotating thread", "key", b.Key, "thread", threadID)
		threadID, err = l.rotate(ctx, b.Key, chatID, b.Meta.DisplayName, threadID)
		if err == nil {
			l.inject(ctx, b.Key, chatID, threadID, true, time.Time{})
			turn.ThreadID = threadID
			out, err = l.ask(tools.WithTurn(ctx, turn), threadID, pol, b)
		}
	}
	if err != nil {
		if ctx.Err() == nil {
			l.fallback(ctx, chatID, b, turnID, FallbackFailed)
		}
		return fmt.Errorf("turn %s: %w", turnID, err)
	}

	reply := l.replyFor(b.Key, out)
	parts := SplitReply(reply, l.cfg.MaxParts)

	if pol.ResponseDelay > 0 {
		select {
		case <-l.clock.After(pol.ResponseDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.publish(chatID, b, turnID, parts)
	l.cfg.Sessions.Touch(b.Key)

	elapsed := l.clock.Now().Sub(start)
	slog.Log(ctx, level, "agent: turn completed",
		"key", b.Key,
		"turn_id", turnID,
		"thread", threadID,
		"status", out.Status,
		"parts", len(parts),
		"tokens", out.TotalTokens,
		"tool_calls", out.ToolCalls,
		"polls", out.Polls,
		"duration", elapsed,
	)
	if elapsed > l.cfg.LatencyWarn {
		slog.Warn("agent: slow turn", "key", b.Key, "turn_id", turnID, "duration", elapsed, "threshold", l.cfg.LatencyWarn)
	}

	if l.cfg.Events != nil {
		l.cfg.Events.Broadcast(bus.Event{Name: bus.EventTurnDone, Payload: TurnDone{
			Key:         b.Key,
			TurnID:      turnID,
			ThreadID:    threadID,
			Processor:   b.Meta.Processor,
			Status:      string(out.Status),
			Parts:       len(parts),
			TotalTokens: out.TotalTokens,
			Duration:    elapsed,
		}})
	}
	return nil
}

func (l *Loop) inject(ctx context.Context, key, chatID, threadID string, isNew bool, lastActivity time.Time) {
	if l.cfg.Injector == nil {
		return
	}
	res := l.cfg.Injector.Inject(ctx, contextcache.Request{
		Key:          key,
		ChatID:       chatID,
		ThreadID:     threadID,
		IsNewSession: isNew,
		LastActivity: lastActivity,
		Signal:       !isNew && l.takeSignal(key, lastActivity),
	})
	if !res.Success {
		slog.Warn("agent: context injection failed", "key", key, "reason", res.Reason)
		return
	}
	slog.Debug("agent: context injection", "key", key, "reason", res.Reason, "tokens", res.TokensEstimate)
}

func (l *Loop) ask(ctx context.Context, threadID string, pol Policy, b buffer.Batch) (assistant.Outcome, error) {
	var images []string
	for _, f := range b.Fragments {
		if f.Kind == buffer.KindImage && f.MediaURL != "" {
			images = append(images, f.MediaURL)
		}
	}
	ctx, span := tracing.Start(ctx, "assistant.ask", "thread", threadID)
	out, err := l.cfg.Assistant.Ask(ctx, assistant.Turn{
		ThreadID:    threadID,
		AssistantID: pol.AssistantID,
		Message:     assistant.Message{Text: b.Text, ImageURLs: images},
	})
	tracing.End(span, err)
	return out, err
}

func (l *Loop) rotate(ctx context.Context, key, chatID, userName, oldThread string) (string, error) {
	newThread, err := l.cfg.Assistant.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("rotate thread: %w", err)
	}
	if _, ok := l.cfg.Sessions.Rotate(key, newThread); !ok {
		l.cfg.Sessions.Set(key, newThread, sessions.Meta{ChatID: chatID, UserName: userName})
	}
	l.rotations.Add(1)
	if l.cfg.Events != nil {
		l.cfg.Events.Broadcast(bus.Event{Name: bus.EventSessionRotated, Payload: SessionRotated{
			Key: key, OldThread: oldThread, NewThread: newThread,
		}})
	}
	return newThread, nil
}

func (l *Loop) replyFor(key string, out assistant.Outcome) string {
	switch out.Status {
	case assistant.StatusTimeout:
		slog.Warn("agent: run timed out", "key", key, "run", out.RunID, "polls", out.Polls)
		return FallbackTimeout
	case assistant.StatusFailed:
		slog.Error("agent: run failed", "key", key, "run", out.RunID, "run_status", out.RunStatus)
		return FallbackFailed
	}
	reply := SanitizeReply(out.Reply)
	if reply == "" {
		slog.Warn("agent: empty reply", "key", key, "run", out.RunID)
		return FallbackEmpty
	}
	if IsSystemMessage(reply) {
		slog.Error("agent: blocked internal text in reply", "key", key, "run", out.RunID, "preview", channels.Truncate(reply, 80))
		return FallbackEmpty
	}
	return reply
}

func (l *Loop) startTyping(ctx context.Context, pol Policy, chatID string) func() {
	if !pol.TrackPresence || l.cfg.Presence == nil {
		return func() {}
	}
	if err := l.cfg.Presence.SendPresence(ctx, l.cfg.Channel, chatID, channels.PresenceComposing); err != nil {
		slog.Debug("agent: typing presence failed", "chat_id", chatID, "error", err)
		return func() {}
	}
	return func() {
		if err := l.cfg.Presence.SendPresence(context.WithoutCancel(ctx), l.cfg.Channel, chatID, channels.PresencePaused); err != nil {
			slog.Debug("agent: paused presence failed", "chat_id", chatID, "error", err)
		}
	}
}

func (l *Loop) fallback(_ context.Context, chatID string, b buffer.Batch, turnID, text string) {
	slog.Warn("agent: sending fallback reply", "key", b.Key, "turn_id", turnID)
	l.publish(chatID, b, turnID, []string{text})
}

func (l *Loop) publish(chatID string, b buffer.Batch, turnID string, parts []string) {
	for i, part := range parts {
		l.cfg.Outbound.PublishOutbound(bus.OutboundMessage{
			Channel: l.cfg.Channel,
			ChatID:  chatID,
			Content: part,
			Metadata: map[string]string{
				bus.MetaTurnID:    turnID,
				bus.MetaProcessor: b.Meta.Processor,
				bus.MetaPart:      strconv.Itoa(i + 1),
			},
		})
		if l.cfg.Echoes != nil {
			l.cfg.Echoes.RecordSent(chatID, part)
		}
	}
}
